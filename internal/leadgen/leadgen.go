// Package leadgen produces synthetic leads for seeding a development
// database or load-testing order fulfillment.
package leadgen

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/leaddesk/internal/domain"
)

var (
	firstNames = []string{"Ana", "Ben", "Chloe", "Daniel", "Elif", "Farid", "Greta", "Hugo", "Ines", "Jonas", "Kira", "Luca", "Maya", "Noah", "Olga", "Pavel", "Rosa", "Sami", "Tara", "Yusuf"}
	lastNames  = []string{"Almeida", "Berg", "Costa", "Dubois", "Eriksen", "Fischer", "Garcia", "Horvat", "Ivanova", "Jensen", "Kowalski", "Larsen", "Moreau", "Novak", "Olsen", "Petrov", "Rossi", "Schmidt", "Tanaka", "Weber"}
	countries  = []string{"Canada", "Germany", "Spain", "Italy", "Poland", "Brazil", "Australia", "Sweden", "Portugal", "Netherlands"}
	companies  = []string{"Northwind", "Acme Markets", "Bluefin Capital", "Crescent Media", "Delta Reach", "Evergreen Leads", "Helix Partners", "Orbit Traffic"}
	domains    = []string{"example.com", "mail.test", "inbox.test", "post.test"}
	sources    = []string{"website", "referral", "social_media", "direct"}
	genders    = []string{"male", "female", "not_defined"}
	priorities = []string{"low", "medium", "high"}
	statuses   = []string{"active", "contacted", "converted", "inactive"}
	docStatus  = []string{"good", "ok", "pending"}
	streets    = []string{"Main St", "Oak Ave", "Harbour Rd", "Station Sq", "Mill Ln"}
	cities     = []string{"Toronto", "Berlin", "Madrid", "Milan", "Krakow", "Porto", "Utrecht"}
	remarks    = []string{
		"Initial contact made, showing interest in trading",
		"Followed up via email, requested more info",
		"Scheduled phone consultation for next week",
		"Client prefers messaging apps for future contact",
		"Requires more information about account types",
	}
)

// Options shape a generated batch.
type Options struct {
	// Count is the number of leads to generate
	Count int

	// LeadType fixes the type of every lead; empty picks randomly
	LeadType domain.LeadType

	// Country fixes the country of every lead; empty picks randomly
	Country string

	// PatternPool, when positive, draws phone patterns from that many
	// distinct values so that batches contain repeated patterns
	PatternPool int

	// Seed makes field values reproducible; 0 uses a random seed. Ids are
	// always fresh uuids
	Seed uint64

	// Now anchors createdAt and dob; zero uses the current time
	Now time.Time
}

// Generator builds synthetic leads.
type Generator struct {
	rng *rand.Rand
	now time.Time
}

// New creates a generator for the given seed and clock.
func New(seed uint64, now time.Time) *Generator {
	if seed == 0 {
		seed = rand.Uint64()
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return &Generator{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now: now,
	}
}

// Generate returns opts.Count leads.
func Generate(opts Options) []*domain.Lead {
	g := New(opts.Seed, opts.Now)
	leads := make([]*domain.Lead, 0, opts.Count)
	for i := 0; i < opts.Count; i++ {
		leads = append(leads, g.Lead(opts))
	}
	return leads
}

// Lead returns one lead. FTD and filler leads carry a date of birth and an
// address; FTD leads also carry identity documents.
func (g *Generator) Lead(opts Options) *domain.Lead {
	leadType := opts.LeadType
	if leadType == "" {
		leadType = pick(g.rng, domain.LeadTypes)
	}
	country := opts.Country
	if country == "" {
		country = pick(g.rng, countries)
	}

	first, last := pick(g.rng, firstNames), pick(g.rng, lastNames)
	lead := &domain.Lead{
		ID:            uuid.New().String(),
		LeadType:      leadType,
		FirstName:     first,
		LastName:      last,
		NewEmail:      g.email(first, last),
		NewPhone:      g.phone(opts.PatternPool),
		Country:       country,
		Gender:        pick(g.rng, genders),
		Client:        g.maybe(0.5, companies),
		ClientBroker:  g.maybe(0.5, companies),
		ClientNetwork: g.maybe(0.5, companies),
		Source:        pick(g.rng, sources),
		Priority:      pick(g.rng, priorities),
		Status:        pick(g.rng, statuses),
		CreatedAt:     g.now.Add(-time.Duration(g.rng.IntN(365*24)) * time.Hour),
		Extra:         map[string]any{},
	}
	if g.rng.Float64() > 0.7 {
		lead.OldEmail = g.email(first, last)
	}
	if g.rng.Float64() > 0.7 {
		lead.OldPhone = g.phone(0)
	}

	if leadType == domain.LeadTypeFTD || leadType == domain.LeadTypeFiller {
		lead.DOB = g.now.AddDate(0, 0, -(7300 + g.rng.IntN(18250))).Format("2006-01-02")
		lead.Extra["address"] = map[string]any{
			"street":     fmt.Sprintf("%d %s", 1+g.rng.IntN(200), pick(g.rng, streets)),
			"city":       pick(g.rng, cities),
			"postalCode": fmt.Sprintf("%05d", g.rng.IntN(100000)),
		}
	}
	if leadType == domain.LeadTypeFTD {
		lead.Extra["documents"] = map[string]any{
			"status": pick(g.rng, docStatus),
		}
	}
	if n := g.rng.IntN(4); n > 0 {
		comments := make([]string, n)
		for i := range comments {
			comments[i] = pick(g.rng, remarks)
		}
		lead.Extra["comments"] = comments
	}
	return lead
}

// phone returns "+<dial code><subscriber>". With a positive patternPool the
// four digits after the first are drawn from that many values.
func (g *Generator) phone(patternPool int) string {
	dial := 1 + g.rng.IntN(9)
	var pattern int
	if patternPool > 0 {
		pattern = g.rng.IntN(min(patternPool, 10000))
	} else {
		pattern = g.rng.IntN(10000)
	}
	return fmt.Sprintf("+%d%04d%06d", dial, pattern, g.rng.IntN(1000000))
}

func (g *Generator) email(first, last string) string {
	return fmt.Sprintf("%s.%s%d@%s",
		strings.ToLower(first), strings.ToLower(last), g.rng.IntN(1000), pick(g.rng, domains))
}

func (g *Generator) maybe(p float64, values []string) string {
	if g.rng.Float64() > p {
		return pick(g.rng, values)
	}
	return ""
}

func pick[T any](rng *rand.Rand, values []T) T {
	return values[rng.IntN(len(values))]
}
