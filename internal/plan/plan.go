// Package plan defines the subscription tiers and their allowances.
package plan

// Tier is a subscription plan tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

func (t Tier) Valid() bool {
	return t == TierFree || t == TierPro || t == TierEnterprise
}

// Slots returns the concurrent test slot allowance for the tier.
func Slots(t Tier) int {
	switch t {
	case TierPro:
		return 3
	case TierEnterprise:
		return 10
	default:
		return 1
	}
}

// MonthlyMinutes returns the monthly testing-minute allowance for the tier.
func MonthlyMinutes(t Tier) int {
	switch t {
	case TierPro:
		return 600
	case TierEnterprise:
		return 3000
	default:
		return 60
	}
}

// APIKeysAllowed reports whether the tier may create API keys.
func APIKeysAllowed(t Tier) bool {
	return t == TierEnterprise
}

// Table maps payment-provider price identifiers to tiers.
type Table struct {
	prices map[string]Tier
}

// NewTable builds a price lookup table. Keys are provider price or plan IDs.
func NewTable(prices map[string]Tier) *Table {
	m := make(map[string]Tier, len(prices))
	for id, t := range prices {
		m[id] = t
	}
	return &Table{prices: m}
}

// TierForPrice resolves a provider price ID to a tier. Unrecognized IDs
// resolve to the free tier.
func (tb *Table) TierForPrice(priceID string) Tier {
	if tb != nil {
		if t, ok := tb.prices[priceID]; ok {
			return t
		}
	}
	return TierFree
}
