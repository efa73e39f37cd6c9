package article

import (
	"net/url"
	"strings"
)

// Category names double as cluster partition keys.
const (
	CategoryCrime         = "crime_violence"
	CategoryHealth        = "medical_health"
	CategoryPolitics      = "politics"
	CategorySports        = "sports"
	CategoryBusiness      = "business"
	CategoryWeather       = "weather"
	CategoryEntertainment = "entertainment"
	CategoryTech          = "tech"
	CategoryWorld         = "world"
)

// Categories lists every topic group in scoring order.
var Categories = []string{
	CategoryCrime,
	CategoryHealth,
	CategoryPolitics,
	CategorySports,
	CategoryBusiness,
	CategoryWeather,
	CategoryEntertainment,
	CategoryTech,
	CategoryWorld,
}

// topicKeywords maps a lowercase token to exactly one topic group. The
// table is shared between article categorization and the cross-topic
// merge veto, so additions here shift both.
var topicKeywords = map[string]string{
	// crime_violence
	"murder": CategoryCrime, "murdered": CategoryCrime,
	"killed": CategoryCrime, "killing": CategoryCrime,
	"shooting": CategoryCrime, "shot": CategoryCrime,
	"stabbed": CategoryCrime, "stabbing": CategoryCrime,
	"assault": CategoryCrime, "robbery": CategoryCrime,
	"theft": CategoryCrime, "stolen": CategoryCrime,
	"arrested": CategoryCrime, "arrest": CategoryCrime,
	"crime": CategoryCrime, "homicide": CategoryCrime,
	"kidnapping": CategoryCrime, "gunman": CategoryCrime,
	"charged": CategoryCrime, "jailed": CategoryCrime,
	"prison": CategoryCrime, "sentenced": CategoryCrime,
	"manslaughter": CategoryCrime, "violence": CategoryCrime,

	// medical_health
	"hospital": CategoryHealth, "doctor": CategoryHealth,
	"doctors": CategoryHealth, "nurses": CategoryHealth,
	"virus": CategoryHealth, "vaccine": CategoryHealth,
	"cancer": CategoryHealth, "disease": CategoryHealth,
	"outbreak": CategoryHealth, "infection": CategoryHealth,
	"hiv": CategoryHealth, "health": CategoryHealth,
	"medical": CategoryHealth, "dentist": CategoryHealth,
	"surgery": CategoryHealth, "patients": CategoryHealth,
	"patient": CategoryHealth, "epidemic": CategoryHealth,
	"pandemic": CategoryHealth, "flu": CategoryHealth,
	"diagnosis": CategoryHealth, "measles": CategoryHealth,

	// politics
	"election": CategoryPolitics, "elections": CategoryPolitics,
	"vote": CategoryPolitics, "voters": CategoryPolitics,
	"parliament": CategoryPolitics, "senate": CategoryPolitics,
	"congress": CategoryPolitics, "minister": CategoryPolitics,
	"president": CategoryPolitics, "presidential": CategoryPolitics,
	"government": CategoryPolitics, "policy": CategoryPolitics,
	"campaign": CategoryPolitics, "legislation": CategoryPolitics,
	"referendum": CategoryPolitics, "coalition": CategoryPolitics,
	"opposition": CategoryPolitics, "democrats": CategoryPolitics,
	"republicans": CategoryPolitics, "governor": CategoryPolitics,
	"mayor": CategoryPolitics, "senator": CategoryPolitics,
	"ballot": CategoryPolitics, "cabinet": CategoryPolitics,

	// sports
	"championship": CategorySports, "league": CategorySports,
	"cup": CategorySports, "olympics": CategorySports,
	"olympic": CategorySports, "tournament": CategorySports,
	"coach": CategorySports, "player": CategorySports,
	"players": CategorySports, "finals": CategorySports,
	"scored": CategorySports, "cricket": CategorySports,
	"football": CategorySports, "soccer": CategorySports,
	"tennis": CategorySports, "rugby": CategorySports,
	"basketball": CategorySports, "baseball": CategorySports,
	"golf": CategorySports, "medal": CategorySports,
	"athlete": CategorySports, "stadium": CategorySports,
	"fifa": CategorySports, "nba": CategorySports,
	"nfl": CategorySports,

	// business
	"market": CategoryBusiness, "markets": CategoryBusiness,
	"stocks": CategoryBusiness, "shares": CategoryBusiness,
	"profit": CategoryBusiness, "profits": CategoryBusiness,
	"earnings": CategoryBusiness, "revenue": CategoryBusiness,
	"economy": CategoryBusiness, "economic": CategoryBusiness,
	"inflation": CategoryBusiness, "recession": CategoryBusiness,
	"bank": CategoryBusiness, "banks": CategoryBusiness,
	"trade": CategoryBusiness, "tariff": CategoryBusiness,
	"tariffs": CategoryBusiness, "merger": CategoryBusiness,
	"acquisition": CategoryBusiness, "ipo": CategoryBusiness,
	"investors": CategoryBusiness, "investment": CategoryBusiness,
	"ceo": CategoryBusiness, "company": CategoryBusiness,
	"companies": CategoryBusiness, "currency": CategoryBusiness,
	"unemployment": CategoryBusiness,

	// weather
	"storm": CategoryWeather, "hurricane": CategoryWeather,
	"typhoon": CategoryWeather, "cyclone": CategoryWeather,
	"flood": CategoryWeather, "floods": CategoryWeather,
	"flooding": CategoryWeather, "rainfall": CategoryWeather,
	"snow": CategoryWeather, "blizzard": CategoryWeather,
	"heatwave": CategoryWeather, "temperatures": CategoryWeather,
	"forecast": CategoryWeather, "weather": CategoryWeather,
	"wildfire": CategoryWeather, "bushfire": CategoryWeather,
	"bushfires": CategoryWeather, "drought": CategoryWeather,
	"tornado": CategoryWeather, "lightning": CategoryWeather,
	"hail": CategoryWeather,

	// entertainment
	"film": CategoryEntertainment, "movie": CategoryEntertainment,
	"actor": CategoryEntertainment, "actress": CategoryEntertainment,
	"celebrity": CategoryEntertainment, "music": CategoryEntertainment,
	"album": CategoryEntertainment, "singer": CategoryEntertainment,
	"concert": CategoryEntertainment, "festival": CategoryEntertainment,
	"hollywood": CategoryEntertainment, "netflix": CategoryEntertainment,
	"oscars": CategoryEntertainment, "grammy": CategoryEntertainment,
	"premiere": CategoryEntertainment, "band": CategoryEntertainment,

	// tech
	"technology": CategoryTech, "tech": CategoryTech,
	"software": CategoryTech, "app": CategoryTech,
	"apps": CategoryTech, "smartphone": CategoryTech,
	"iphone": CategoryTech, "android": CategoryTech,
	"google": CategoryTech, "apple": CategoryTech,
	"microsoft": CategoryTech, "ai": CategoryTech,
	"robot": CategoryTech, "robots": CategoryTech,
	"cyber": CategoryTech, "cybersecurity": CategoryTech,
	"hacking": CategoryTech, "internet": CategoryTech,
	"startup": CategoryTech, "chip": CategoryTech,
	"chips": CategoryTech, "crypto": CategoryTech,
	"blockchain": CategoryTech, "nasa": CategoryTech,
	"spacex": CategoryTech,

	// world
	"war": CategoryWorld, "troops": CategoryWorld,
	"military": CategoryWorld, "invasion": CategoryWorld,
	"border": CategoryWorld, "refugees": CategoryWorld,
	"embassy": CategoryWorld, "diplomat": CategoryWorld,
	"diplomatic": CategoryWorld, "sanctions": CategoryWorld,
	"treaty": CategoryWorld, "summit": CategoryWorld,
	"ceasefire": CategoryWorld, "missile": CategoryWorld,
	"airstrike": CategoryWorld, "nato": CategoryWorld,
	"earthquake": CategoryWorld, "tsunami": CategoryWorld,
}

// urlPathHints maps URL path-segment prefixes to a category, checked
// in order. Prefix matching keeps "/transport/" from reading as sport.
var urlPathHints = []struct {
	prefix   string
	category string
}{
	{"sport", CategorySports},
	{"politic", CategoryPolitics},
	{"election", CategoryPolitics},
	{"business", CategoryBusiness},
	{"finance", CategoryBusiness},
	{"money", CategoryBusiness},
	{"econom", CategoryBusiness},
	{"market", CategoryBusiness},
	{"tech", CategoryTech},
	{"science", CategoryTech},
	{"entertain", CategoryEntertainment},
	{"culture", CategoryEntertainment},
	{"arts", CategoryEntertainment},
	{"film", CategoryEntertainment},
	{"music", CategoryEntertainment},
	{"celebrity", CategoryEntertainment},
	{"showbiz", CategoryEntertainment},
	{"health", CategoryHealth},
	{"medical", CategoryHealth},
	{"wellbeing", CategoryHealth},
	{"crime", CategoryCrime},
	{"justice", CategoryCrime},
	{"courts", CategoryCrime},
	{"weather", CategoryWeather},
	{"climate", CategoryWeather},
	{"world", CategoryWorld},
	{"international", CategoryWorld},
	{"global", CategoryWorld},
}

const (
	urlSignalWeight  = 3.0
	hintSignalWeight = 2.0
	titleTokenWeight = 1.0
	bodyTokenWeight  = 0.5
)

// Categorize assigns exactly one topic group to an article. URL path
// segments carry the strongest signal, then the feed's category hint,
// then weighted keyword counts from title and description. Ties keep
// the URL-derived category; with no signal at all the article lands in
// "world".
func Categorize(rawURL, hint, title, description string) string {
	scores := make(map[string]float64, len(Categories))

	urlCat := categoryFromURL(rawURL)
	if urlCat != "" {
		scores[urlCat] += urlSignalWeight
	}
	if validCategory(hint) {
		scores[hint] += hintSignalWeight
	}
	for _, tok := range words(title) {
		if cat, ok := topicKeywords[tok]; ok {
			scores[cat] += titleTokenWeight
		}
	}
	for _, tok := range words(description) {
		if cat, ok := topicKeywords[tok]; ok {
			scores[cat] += bodyTokenWeight
		}
	}

	best, bestScore := "", 0.0
	for _, cat := range Categories {
		s, ok := scores[cat]
		if !ok {
			continue
		}
		switch {
		case s > bestScore:
			best, bestScore = cat, s
		case s == bestScore && cat == urlCat:
			best = cat
		}
	}
	if best == "" {
		return CategoryWorld
	}
	return best
}

func categoryFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	for _, seg := range strings.Split(strings.ToLower(u.Path), "/") {
		if seg == "" {
			continue
		}
		for _, hint := range urlPathHints {
			if strings.HasPrefix(seg, hint.prefix) {
				return hint.category
			}
		}
	}
	return ""
}

func validCategory(name string) bool {
	for _, cat := range Categories {
		if cat == name {
			return true
		}
	}
	return false
}

// TopicGroups returns the set of topic groups whose keywords appear in
// the title. An empty result means the title carries no topical signal.
func TopicGroups(title string) map[string]bool {
	groups := make(map[string]bool)
	for _, tok := range words(title) {
		if cat, ok := topicKeywords[tok]; ok {
			groups[cat] = true
		}
	}
	return groups
}

// TopicsConflict reports whether two titles belong to provably
// different topics: both must map to at least one group and the group
// sets must be disjoint. This keeps a crime headline from merging with
// a medical one that happens to share a location word.
func TopicsConflict(titleA, titleB string) bool {
	a, b := TopicGroups(titleA), TopicGroups(titleB)
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for g := range a {
		if b[g] {
			return false
		}
	}
	return true
}
