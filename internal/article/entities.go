package article

import (
	"sort"
	"strings"
	"unicode"
)

// maxEntities caps how many entities an article retains.
const maxEntities = 10

// ExtractEntities pulls named entities from the title and body using a
// capitalization heuristic with stopword filtering. The contract is
// replaceable by a statistical model later; callers only depend on the
// ranked []Entity shape.
//
// Salience combines: presence in the title (+1.0), earliness in the
// body (linear decay from 0.8), and a multi-token bonus (+0.2).
func ExtractEntities(title, body string) []Entity {
	titleCands := candidateSpans(title)
	bodyCands := candidateSpans(body)

	bodyTokens := len(strings.Fields(body))

	inTitle := make(map[string]bool)
	for _, c := range titleCands {
		inTitle[strings.ToLower(c.text)] = true
	}

	type scored struct {
		text     string
		salience float64
	}
	best := make(map[string]scored)

	consider := func(text string, salience float64) {
		key := strings.ToLower(text)
		if cur, ok := best[key]; !ok || salience > cur.salience {
			best[key] = scored{text: text, salience: salience}
		}
	}

	for _, c := range titleCands {
		s := 1.0
		if len(strings.Fields(c.text)) >= 2 {
			s += 0.2
		}
		consider(c.text, s)
	}
	for _, c := range bodyCands {
		var s float64
		if bodyTokens > 0 {
			s = 0.8 * (1.0 - float64(c.pos)/float64(bodyTokens))
		}
		if inTitle[strings.ToLower(c.text)] {
			s += 1.0
		}
		if len(strings.Fields(c.text)) >= 2 {
			s += 0.2
		}
		consider(c.text, s)
	}

	entities := make([]Entity, 0, len(best))
	for _, sc := range best {
		entities = append(entities, Entity{
			Text:     sc.text,
			Type:     classifyEntity(sc.text),
			Salience: sc.salience,
		})
	}

	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Salience != entities[j].Salience {
			return entities[i].Salience > entities[j].Salience
		}
		return entities[i].Text < entities[j].Text
	})

	if len(entities) > maxEntities {
		entities = entities[:maxEntities]
	}
	return entities
}

// connectors may appear lowercase inside a multi-word entity
// ("Bank of England", "Dmitri van der Berg").
var connectors = map[string]bool{
	"of": true, "the": true, "de": true, "la": true, "al": true,
	"van": true, "von": true, "der": true, "bin": true, "&": true,
}

// articles are stripped when they lead a candidate span.
var articles = map[string]bool{"the": true, "a": true, "an": true}

// timeWords are capitalized in prose without naming anything.
var timeWords = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
	"january": true, "february": true, "march": true, "april": true,
	"may": true, "june": true, "july": true, "august": true,
	"september": true, "october": true, "november": true, "december": true,
}

type span struct {
	text string
	pos  int // token index of the span start
}

// candidateSpans finds runs of capitalized tokens, allowing lowercase
// connectors between them.
func candidateSpans(text string) []span {
	fields := strings.Fields(text)
	var out []span

	var run []string
	runStart := -1
	flush := func() {
		if runStart >= 0 {
			// Sentence-initial articles and trailing connectors do not
			// belong to the entity.
			for len(run) > 0 && articles[strings.ToLower(run[0])] {
				run = run[1:]
				runStart++
			}
			for len(run) > 0 && connectors[strings.ToLower(run[len(run)-1])] {
				run = run[:len(run)-1]
			}
			if name := strings.Join(run, " "); acceptCandidate(name) {
				out = append(out, span{text: name, pos: runStart})
			}
		}
		run, runStart = nil, -1
	}

	for i, raw := range fields {
		tok := strings.Trim(raw, "\"'“”‘’.,:;!?()[]{}<>")
		switch {
		case isCapitalized(tok) && !timeWords[strings.ToLower(tok)]:
			if runStart < 0 {
				runStart = i
			}
			run = append(run, tok)
		case runStart >= 0 && connectors[strings.ToLower(tok)]:
			run = append(run, tok)
		default:
			flush()
		}
	}
	flush()
	return out
}

func isCapitalized(tok string) bool {
	if tok == "" {
		return false
	}
	r := []rune(tok)[0]
	return unicode.IsUpper(r)
}

// acceptCandidate filters spans that are capitalization noise rather
// than names: bare stopwords, single letters, and numbers.
func acceptCandidate(name string) bool {
	if len(name) < 2 {
		return false
	}
	lower := strings.ToLower(name)
	if !strings.Contains(name, " ") && stopwords[lower] {
		return false
	}
	hasLetter := false
	for _, r := range name {
		if unicode.IsLetter(r) {
			hasLetter = true
			break
		}
	}
	return hasLetter
}

var orgSuffixes = []string{
	"inc", "corp", "ltd", "llc", "co", "group", "police", "department",
	"ministry", "university", "hospital", "council", "committee",
	"agency", "association", "bank", "airlines", "authority",
	"commission", "party", "court", "center", "centre", "fc",
}

var eventPrefixes = []string{
	"hurricane", "typhoon", "cyclone", "storm", "tropical",
}

var eventNames = map[string]bool{
	"olympics": true, "world cup": true, "super bowl": true,
	"grand prix": true,
}

// knownLocations covers countries, regions, and cities large enough to
// headline. The list is not exhaustive; OTHER is an acceptable answer.
var knownLocations = map[string]bool{
	"afghanistan": true, "africa": true, "alaska": true, "america": true,
	"argentina": true, "asia": true, "australia": true, "austria": true,
	"beijing": true, "belgium": true, "berlin": true, "brazil": true,
	"britain": true, "california": true, "canada": true, "chicago": true,
	"china": true, "dubai": true, "egypt": true, "england": true,
	"ethiopia": true, "eu": true, "europe": true, "florida": true,
	"france": true, "gaza": true, "germany": true, "greece": true,
	"hawaii": true, "hokkaido": true, "hong kong": true, "india": true,
	"indonesia": true, "iran": true, "iraq": true, "ireland": true,
	"israel": true, "italy": true, "japan": true, "kenya": true,
	"korea": true, "london": true, "los angeles": true, "melbourne": true,
	"mexico": true, "moscow": true, "netherlands": true, "new york": true,
	"nigeria": true, "north korea": true, "norway": true, "pakistan": true,
	"paris": true, "philippines": true, "poland": true, "portugal": true,
	"new zealand": true, "qatar": true, "russia": true,
	"saudi arabia": true, "scotland": true, "seoul": true,
	"singapore": true, "south africa": true, "south korea": true,
	"spain": true, "sweden": true, "switzerland": true, "sydney": true,
	"syria": true, "taiwan": true, "texas": true, "thailand": true,
	"tokyo": true, "turkey": true, "uk": true, "ukraine": true,
	"united kingdom": true, "united states": true, "us": true,
	"usa": true, "vietnam": true, "wales": true, "washington": true,
}

// classifyEntity assigns a coarse type from surface features alone.
func classifyEntity(name string) EntityType {
	lower := strings.ToLower(name)
	fields := strings.Fields(lower)

	if knownLocations[lower] {
		return EntityLocation
	}
	for _, p := range eventPrefixes {
		if fields[0] == p {
			return EntityEvent
		}
	}
	if eventNames[lower] {
		return EntityEvent
	}

	last := strings.TrimSuffix(fields[len(fields)-1], ".")
	for _, suffix := range orgSuffixes {
		if last == suffix {
			return EntityOrg
		}
	}

	// Short all-caps tokens read as org acronyms (NASA, WHO, FBI).
	if !strings.Contains(name, " ") && len(name) >= 2 && len(name) <= 5 &&
		name == strings.ToUpper(name) {
		return EntityOrg
	}

	if len(fields) >= 2 {
		return EntityPerson
	}
	return EntityOther
}
