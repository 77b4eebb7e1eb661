// packs.go - One-time credit pack definitions.

package catalog

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/hoangthanh168/clippizo/credits"
)

// CreditPack is the full catalog entry for a purchasable pack.
type CreditPack struct {
	credits.Pack

	PriceUSD decimal.Decimal
	PriceVND decimal.Decimal
}

var packs = map[string]CreditPack{
	"small": {
		Pack: credits.Pack{
			ID:           "small",
			Name:         "Small Pack",
			Credits:      200,
			ValidityDays: 90,
		},
		PriceUSD: decimal.RequireFromString("4.99"),
		PriceVND: decimal.NewFromInt(49_000),
	},
	"medium": {
		Pack: credits.Pack{
			ID:           "medium",
			Name:         "Medium Pack",
			Credits:      500,
			ValidityDays: 90,
		},
		PriceUSD: decimal.RequireFromString("9.99"),
		PriceVND: decimal.NewFromInt(99_000),
	},
	"large": {
		Pack: credits.Pack{
			ID:           "large",
			Name:         "Large Pack",
			Credits:      1200,
			ValidityDays: 90,
		},
		PriceUSD: decimal.RequireFromString("19.99"),
		PriceVND: decimal.NewFromInt(199_000),
	},
}

// Packs is the static pack catalog. It satisfies credits.PackCatalog.
type Packs struct{}

// NewPacks returns the pack catalog.
func NewPacks() Packs { return Packs{} }

// Pack returns the engine-facing slice of a pack.
func (Packs) Pack(id string) (credits.Pack, bool) {
	p, ok := packs[id]
	return p.Pack, ok
}

// Full returns the complete catalog entry including pricing.
func (Packs) Full(id string) (CreditPack, bool) {
	p, ok := packs[id]
	return p, ok
}

// Price returns a pack's price in the given currency ("USD" or "VND").
func (Packs) Price(id, currency string) (decimal.Decimal, bool) {
	p, ok := packs[id]
	if !ok {
		return decimal.Decimal{}, false
	}
	if currency == "VND" {
		return p.PriceVND, true
	}
	return p.PriceUSD, true
}

// All returns every pack, smallest first.
func (Packs) All() []CreditPack {
	out := make([]CreditPack, 0, len(packs))
	for _, p := range packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Credits < out[j].Credits
	})
	return out
}
