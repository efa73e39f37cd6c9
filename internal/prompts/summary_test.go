package prompts

import (
	"strings"
	"testing"
)

func TestSummaryUserPrompt(t *testing.T) {
	got := SummaryUserPrompt("Volcano erupts on remote Indonesia island", "world",
		[]SummarySource{
			{Outlet: "wire", PublishedAt: "2026-02-03T10:00Z", Title: "Volcano erupts", Excerpt: "Ash plumes rose miles into the sky."},
			{Outlet: "tribune", PublishedAt: "2026-02-03T10:20Z", Title: "Eruption intensifies", Excerpt: "Villages were evacuated overnight."},
		}, "")

	for _, want := range []string{
		"Story: Volcano erupts on remote Indonesia island",
		"Category: world",
		"Reporting from 2 sources",
		"Source 1: wire (published 2026-02-03T10:00Z)",
		"Source 2: tribune",
		"Villages were evacuated overnight.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "previous summary") {
		t.Error("regeneration section present without a previous summary")
	}
}

func TestSummaryUserPromptRegeneration(t *testing.T) {
	got := SummaryUserPrompt("t", "world", nil, "An eruption was reported.")
	if !strings.Contains(got, "An eruption was reported.") {
		t.Error("previous summary not included")
	}
	if !strings.Contains(got, "Update it to reflect the reporting above") {
		t.Error("regeneration instruction missing")
	}
}

func TestSummarySystemPromptIsStable(t *testing.T) {
	// The block is cached server-side keyed on its exact content; two
	// calls must return identical text.
	if SummarySystemPrompt() != SummarySystemPrompt() {
		t.Fatal("system prompt not stable")
	}
	if !strings.Contains(SummarySystemPrompt(), "Never speculate") {
		t.Error("core instruction missing")
	}
}
