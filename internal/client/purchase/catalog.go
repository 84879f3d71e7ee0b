package purchase

import (
	"sort"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
)

// Catalog maps store product ids to what they grant.
type Catalog struct {
	products map[string]models.Product
}

func NewCatalog(products ...models.Product) *Catalog {
	c := &Catalog{products: make(map[string]models.Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

// DefaultCatalog is used when the configuration lists no products.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		models.Product{ID: "credits.pack.15", Kind: models.ProductPack, Credits: 15},
		models.Product{ID: "credits.pack.50", Kind: models.ProductPack, Credits: 50},
		models.Product{ID: "plan.basic.monthly", Kind: models.ProductPeriod, Credits: 30, PlanID: "basic", Period: 30 * 24 * time.Hour},
		models.Product{ID: "plan.pro.monthly", Kind: models.ProductPeriod, Credits: 100, PlanID: "pro", Period: 30 * 24 * time.Hour},
	)
}

func (c *Catalog) Lookup(id string) (models.Product, bool) {
	p, ok := c.products[id]
	return p, ok
}

// Products lists the catalog sorted by id.
func (c *Catalog) Products() []models.Product {
	out := make([]models.Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Grant builds the ledger grant for one purchase of p.
func (c *Catalog) Grant(p models.Product, txID string, purchasedAt time.Time) models.Grant {
	g := models.Grant{
		TransactionID: txID,
		CreditDelta:   p.Credits,
		NewMax:        p.Credits,
		Mode:          models.GrantPack,
	}
	if p.Kind == models.ProductPeriod {
		g.Mode = models.GrantPeriod
		g.PlanID = p.PlanID
		if p.Period > 0 {
			end := purchasedAt.Add(p.Period).UTC()
			g.PeriodEnd = &end
		}
	}
	return g
}
