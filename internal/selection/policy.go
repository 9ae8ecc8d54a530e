package selection

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/opensource-finance/leaddesk/internal/domain"
	"gopkg.in/yaml.v3"
)

// ErrInvalidPolicy is returned when a tier table cannot be used.
var ErrInvalidPolicy = errors.New("invalid selection policy")

// Tier is one row of a tier table. The first tier whose MaxRequested covers
// the requested count applies.
type Tier struct {
	// MaxRequested is the inclusive upper bound of requested counts; 0 means unbounded
	MaxRequested int `yaml:"maxRequested" json:"maxRequested"`

	// MaxPerPattern caps leads per phone pattern; 0 means unlimited
	MaxPerPattern int `yaml:"maxPerPattern" json:"maxPerPattern"`

	// MaxPairedPatterns caps how many patterns may hold more than one lead; 0 means no cap
	MaxPairedPatterns int `yaml:"maxPairedPatterns" json:"maxPairedPatterns,omitempty"`

	// Multiplier oversamples the candidate fetch
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Description names the rule in result messages; empty for unfiltered tiers
	Description string `yaml:"description" json:"description,omitempty"`
}

// admits reports whether a lead whose pattern already holds count leads may
// be accepted while paired patterns hold two or more.
func (t Tier) admits(count, paired int) bool {
	if t.MaxPerPattern > 0 && count >= t.MaxPerPattern {
		return false
	}
	if t.MaxPairedPatterns > 0 && count == 1 && paired >= t.MaxPairedPatterns {
		return false
	}
	return true
}

func (t Tier) multiplier() float64 {
	if t.Multiplier <= 0 {
		return 1
	}
	return t.Multiplier
}

// Policy is the tier table for one lead type.
type Policy struct {
	LeadType domain.LeadType `yaml:"leadType" json:"leadType"`
	Tiers    []Tier          `yaml:"tiers" json:"tiers"`
}

// FillerPolicy returns the phone-repetition table for filler leads.
func FillerPolicy() *Policy {
	return &Policy{
		LeadType: domain.LeadTypeFiller,
		Tiers: []Tier{
			{MaxRequested: 10, MaxPerPattern: 1, Multiplier: 3, Description: "max 1 lead per phone pattern"},
			{MaxRequested: 20, MaxPerPattern: 2, MaxPairedPatterns: 10, Multiplier: 2, Description: "max 2 repetitions per phone pattern, max 10 pairs"},
			{MaxRequested: 40, MaxPerPattern: 4, Multiplier: 1.5, Description: "max 4 repetitions per phone pattern"},
			{MaxRequested: 0, MaxPerPattern: 0, Multiplier: 1},
		},
	}
}

// Validate checks that tiers ascend and end with an unbounded tier.
func (p *Policy) Validate() error {
	if !p.LeadType.Valid() {
		return fmt.Errorf("%w: unknown lead type %q", ErrInvalidPolicy, p.LeadType)
	}
	if len(p.Tiers) == 0 {
		return fmt.Errorf("%w: %s has no tiers", ErrInvalidPolicy, p.LeadType)
	}

	prev := 0
	for i, t := range p.Tiers {
		last := i == len(p.Tiers)-1
		switch {
		case last && t.MaxRequested != 0:
			return fmt.Errorf("%w: %s last tier must be unbounded", ErrInvalidPolicy, p.LeadType)
		case !last && t.MaxRequested <= prev:
			return fmt.Errorf("%w: %s tier %d maxRequested must exceed %d", ErrInvalidPolicy, p.LeadType, i+1, prev)
		case t.MaxPerPattern < 0 || t.MaxPairedPatterns < 0:
			return fmt.Errorf("%w: %s tier %d has negative caps", ErrInvalidPolicy, p.LeadType, i+1)
		case t.Multiplier != 0 && t.Multiplier < 1:
			return fmt.Errorf("%w: %s tier %d multiplier below 1", ErrInvalidPolicy, p.LeadType, i+1)
		}
		prev = t.MaxRequested
	}
	return nil
}

// TierFor returns the 1-based tier level and the tier covering n.
func (p *Policy) TierFor(n int) (int, Tier) {
	for i, t := range p.Tiers {
		if t.MaxRequested == 0 || n <= t.MaxRequested {
			return i + 1, t
		}
	}
	last := len(p.Tiers) - 1
	return last + 1, p.Tiers[last]
}

// FetchCount returns how many candidates to fetch before filtering n leads.
func (p *Policy) FetchCount(n int) int {
	if n <= 0 {
		return 0
	}
	_, t := p.TierFor(n)
	count := int(math.Ceil(float64(n) * t.multiplier()))
	if count < n {
		return n
	}
	return count
}

// Registry maps lead types to their tier tables. Lead types without a
// policy are fetched exactly as requested and not filtered.
type Registry struct {
	policies map[domain.LeadType]*Policy
}

// NewRegistry validates and registers the given policies.
func NewRegistry(policies ...*Policy) (*Registry, error) {
	r := &Registry{policies: make(map[domain.LeadType]*Policy, len(policies))}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		r.policies[p.LeadType] = p
	}
	return r, nil
}

// DefaultRegistry carries the built-in filler table.
func DefaultRegistry() *Registry {
	return &Registry{policies: map[domain.LeadType]*Policy{
		domain.LeadTypeFiller: FillerPolicy(),
	}}
}

// Policy returns the tier table for t, if any.
func (r *Registry) Policy(t domain.LeadType) (*Policy, bool) {
	p, ok := r.policies[t]
	return p, ok
}

// Policies returns all tables ordered by lead type.
func (r *Registry) Policies() []*Policy {
	out := make([]*Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeadType < out[j].LeadType })
	return out
}

// FetchCount sizes the candidate fetch for n leads of type t.
func (r *Registry) FetchCount(t domain.LeadType, n int) int {
	if p, ok := r.policies[t]; ok {
		return p.FetchCount(n)
	}
	if n < 0 {
		return 0
	}
	return n
}

// Select picks up to n leads of type t from pool.
func (r *Registry) Select(t domain.LeadType, pool []*domain.Lead, n int) *Result {
	if p, ok := r.policies[t]; ok {
		return p.Select(pool, n)
	}
	return takeFirst(t, pool, n)
}

type policyFile struct {
	Policies []*Policy `yaml:"policies"`
}

// LoadRegistry reads tier tables from YAML on top of the defaults.
// Tables in the file replace the default table for the same lead type.
func LoadRegistry(r io.Reader) (*Registry, error) {
	var file policyFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	reg := DefaultRegistry()
	for _, p := range file.Policies {
		if p == nil {
			continue
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		reg.policies[p.LeadType] = p
	}
	return reg, nil
}

// LoadRegistryFile is LoadRegistry over a file path.
func LoadRegistryFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy file: %w", err)
	}
	defer f.Close()
	return LoadRegistry(f)
}
