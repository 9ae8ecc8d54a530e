package domain

// EligibilityRule is an admin-defined CEL expression a candidate lead must
// satisfy before it can be selected for an order.
type EligibilityRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// LeadTypes limits the rule to these types; empty applies to all
	LeadTypes []LeadType `json:"leadTypes,omitempty"`

	// CEL expression over `lead` and `filters`, must return bool
	Expression string `json:"expression"`

	Enabled bool `json:"enabled"`
}

// AppliesTo reports whether the rule covers leads of type t.
func (r *EligibilityRule) AppliesTo(t LeadType) bool {
	if len(r.LeadTypes) == 0 {
		return true
	}
	for _, lt := range r.LeadTypes {
		if lt == t {
			return true
		}
	}
	return false
}
