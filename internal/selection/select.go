// Package selection picks leads for an order from an oversampled candidate
// pool while bounding repeated phone patterns according to order size.
package selection

import (
	"fmt"

	"github.com/opensource-finance/leaddesk/internal/domain"
)

// Result is the outcome of one selection call.
type Result struct {
	LeadType  domain.LeadType
	Selected  []*domain.Lead
	Requested int
	Fulfilled int

	// Tier is the 1-based tier level applied; 0 when no policy applied
	Tier int

	// Rule describes the active repetition rule; empty when unfiltered
	Rule string
}

// IDs returns the selected lead ids in selection order.
func (r *Result) IDs() []string {
	ids := make([]string, len(r.Selected))
	for i, l := range r.Selected {
		ids[i] = l.ID
	}
	return ids
}

// Message summarizes fulfillment for API responses.
func (r *Result) Message() string {
	msg := fmt.Sprintf("%s: %d requested, %d fulfilled", r.LeadType, r.Requested, r.Fulfilled)
	if r.Rule != "" {
		msg += fmt.Sprintf(" (rule: %s)", r.Rule)
	}
	return msg
}

// TypeResult converts the result for order responses.
func (r *Result) TypeResult() domain.TypeResult {
	return domain.TypeResult{
		LeadType:        r.LeadType,
		SelectedLeadIDs: r.IDs(),
		Requested:       r.Requested,
		Fulfilled:       r.Fulfilled,
		Message:         r.Message(),
		Tier:            r.Tier,
	}
}

// Select walks pool in order and accepts leads while their phone pattern is
// below the tier cap, stopping once n leads are accepted. Acceptance order
// follows pool order exactly, so equal pools give equal results.
func (p *Policy) Select(pool []*domain.Lead, n int) *Result {
	res := &Result{LeadType: p.LeadType, Requested: n}
	if n <= 0 {
		return res
	}

	level, tier := p.TierFor(n)
	res.Tier = level
	res.Rule = tier.Description
	res.Selected = make([]*domain.Lead, 0, min(n, len(pool)))

	counts := make(map[string]int)
	seen := make(map[string]struct{}, n)
	paired := 0

	for _, lead := range pool {
		if len(res.Selected) == n {
			break
		}
		if lead == nil {
			continue
		}
		if _, dup := seen[lead.ID]; dup && lead.ID != "" {
			continue
		}

		pattern := PhonePattern(lead.PhoneNumber())
		count := counts[pattern]
		if !tier.admits(count, paired) {
			continue
		}

		counts[pattern] = count + 1
		if count+1 == 2 {
			paired++
		}
		seen[lead.ID] = struct{}{}
		res.Selected = append(res.Selected, lead)
	}

	res.Fulfilled = len(res.Selected)
	return res
}

// takeFirst is selection for lead types without a policy.
func takeFirst(t domain.LeadType, pool []*domain.Lead, n int) *Result {
	res := &Result{LeadType: t, Requested: n}
	if n <= 0 {
		return res
	}

	seen := make(map[string]struct{}, n)
	res.Selected = make([]*domain.Lead, 0, min(n, len(pool)))
	for _, lead := range pool {
		if len(res.Selected) == n {
			break
		}
		if lead == nil {
			continue
		}
		if _, dup := seen[lead.ID]; dup && lead.ID != "" {
			continue
		}
		seen[lead.ID] = struct{}{}
		res.Selected = append(res.Selected, lead)
	}
	res.Fulfilled = len(res.Selected)
	return res
}
