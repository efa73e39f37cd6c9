// Package metrics defines the process-wide Prometheus collectors and an
// optional HTTP listener that exposes them. Collectors are registered at
// init time; components increment them directly.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PollsTotal counts feed polls by resulting HTTP status ("304",
	// "200", "0" for network errors, ...).
	PollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "newsreel_feed_polls_total",
		Help: "The number of feed polls, by HTTP status",
	}, []string{"http_status"})

	// ArticlesStored counts raw articles written to the store.
	ArticlesStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "newsreel_articles_stored_total",
		Help: "The number of raw articles inserted",
	})

	// ArticlesDropped counts entries rejected before storage, by reason
	// ("duplicate", "syndicated", "stale", "invalid", "spam").
	ArticlesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "newsreel_articles_dropped_total",
		Help: "The number of feed entries dropped before storage, by reason",
	}, []string{"reason"})

	// ClustersCreated counts new story clusters.
	ClustersCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "newsreel_clusters_created_total",
		Help: "The number of story clusters created",
	})

	// ClustersExtended counts article linkages into existing clusters,
	// by the cascade path that matched ("fingerprint", "title",
	// "entity").
	ClustersExtended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "newsreel_clusters_extended_total",
		Help: "The number of articles linked to existing clusters, by match path",
	}, []string{"path"})

	// StatusTransitions counts cluster status changes.
	StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "newsreel_status_transitions_total",
		Help: "The number of cluster status transitions, by origin and destination",
	}, []string{"from", "to"})

	// SummariesTotal counts summaries written, by path ("realtime",
	// "batch", "fallback") and the model that produced them.
	SummariesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "newsreel_summaries_total",
		Help: "The number of cluster summaries written, by generation path and model",
	}, []string{"path", "model"})

	// NotificationsTotal counts breaking-news broadcasts handed to the
	// delivery transport.
	NotificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "newsreel_notifications_total",
		Help: "The number of breaking-news broadcasts published",
	})

	// ChangeFeedLag tracks how far each change-feed consumer trails the
	// head of the mutation log.
	ChangeFeedLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "newsreel_changefeed_lag",
		Help: "Change-log entries not yet processed, per consumer",
	}, []string{"consumer"})
)

func init() {
	prometheus.MustRegister(
		PollsTotal,
		ArticlesStored,
		ArticlesDropped,
		ClustersCreated,
		ClustersExtended,
		StatusTransitions,
		SummariesTotal,
		NotificationsTotal,
		ChangeFeedLag,
	)
}

// Serve exposes /metrics on addr until ctx is cancelled. Errors other
// than clean shutdown are logged, not returned; metrics exposure is
// never worth taking the pipeline down over.
func Serve(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics listener failed", "error", err)
	}
}
