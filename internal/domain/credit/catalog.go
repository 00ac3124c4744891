package credit

import (
	"sort"
	"strings"
)

// FreePlan is the plan tag of a ledger that never purchased anything.
const FreePlan = "free"

// Package is one purchasable credit bundle.
type Package struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Rank    int              `json:"rank"`
	Credits Amounts          `json:"credits"`
	Prices  map[string]int64 `json:"prices"` // minor units keyed by lowercase ISO currency
}

// Price returns the package price in currency.
func (p Package) Price(currency string) (int64, bool) {
	price, ok := p.Prices[strings.ToLower(currency)]
	return price, ok
}

// Catalog is the single source of truth for what packages grant.
type Catalog struct {
	free     Amounts
	packages map[string]Package
}

// NewCatalog builds a catalog from a free allotment and a package list.
func NewCatalog(free Amounts, packages ...Package) *Catalog {
	c := &Catalog{free: free, packages: make(map[string]Package, len(packages))}
	for _, p := range packages {
		c.packages[p.ID] = p
	}
	return c
}

// DefaultCatalog returns the production catalog.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Amounts{Generation: 3, Analysis: 5},
		Package{
			ID: "starter", Name: "Starter", Rank: 1,
			Credits: Amounts{Generation: 10, Analysis: 30},
			Prices:  map[string]int64{"usd": 900, "eur": 900},
		},
		Package{
			ID: "pro", Name: "Pro", Rank: 2,
			Credits: Amounts{Generation: 50, Analysis: 200},
			Prices:  map[string]int64{"usd": 2900, "eur": 2700},
		},
		Package{
			ID: "agency", Name: "Agency", Rank: 3,
			Credits: Amounts{Generation: 250, Analysis: 1000},
			Prices:  map[string]int64{"usd": 9900, "eur": 9500},
		},
	)
}

// FreeTier returns the allotment every new ledger starts with.
func (c *Catalog) FreeTier() Amounts {
	return c.free
}

// Lookup returns the package with id.
func (c *Catalog) Lookup(id string) (Package, bool) {
	p, ok := c.packages[id]
	return p, ok
}

// Packages returns every package ordered by rank.
func (c *Catalog) Packages() []Package {
	out := make([]Package, 0, len(c.packages))
	for _, p := range c.packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank == out[j].Rank {
			return out[i].ID < out[j].ID
		}
		return out[i].Rank < out[j].Rank
	})
	return out
}
