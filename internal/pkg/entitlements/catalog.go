package entitlements

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Interval is the billing cadence a checkout is started for.
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalAnnual  Interval = "annual"
)

// ParseInterval normalizes a billing interval name.
func ParseInterval(s string) (Interval, bool) {
	switch Interval(strings.ToLower(strings.TrimSpace(s))) {
	case IntervalMonthly:
		return IntervalMonthly, true
	case IntervalAnnual:
		return IntervalAnnual, true
	default:
		return "", false
	}
}

// CatalogTier is one paid tier as declared in the catalog file.
type CatalogTier struct {
	Products []string            `yaml:"products"`
	Prices   map[Interval]string `yaml:"prices"`
}

type catalogFile struct {
	Tiers map[string]CatalogTier `yaml:"tiers"`
}

// Catalog maps provider product ids to tiers and (tier, interval) pairs to price ids.
// It is immutable after construction and safe for concurrent use.
type Catalog struct {
	products map[string]Tier
	prices   map[Tier]map[Interval]string
}

// LoadCatalog reads and validates a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("plan catalog path is required")
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode plan catalog: %w", err)
	}
	tiers := make(map[Tier]CatalogTier, len(f.Tiers))
	for name, entry := range f.Tiers {
		tier, ok := ParseTier(name)
		if !ok {
			return nil, fmt.Errorf("plan catalog: unknown tier %q", name)
		}
		tiers[tier] = entry
	}
	return NewCatalog(tiers)
}

// NewCatalog builds a catalog from tier declarations.
func NewCatalog(tiers map[Tier]CatalogTier) (*Catalog, error) {
	c := &Catalog{
		products: make(map[string]Tier),
		prices:   make(map[Tier]map[Interval]string),
	}
	for tier, entry := range tiers {
		if !tier.IsPaid() {
			return nil, fmt.Errorf("plan catalog: tier %q cannot be backed by products", tier)
		}
		if len(entry.Products) == 0 {
			return nil, fmt.Errorf("plan catalog: tier %q has no products", tier)
		}
		for _, raw := range entry.Products {
			id := strings.TrimSpace(raw)
			if id == "" {
				return nil, fmt.Errorf("plan catalog: tier %q has an empty product id", tier)
			}
			if other, dup := c.products[id]; dup {
				return nil, fmt.Errorf("plan catalog: product %q mapped to both %q and %q", id, other, tier)
			}
			c.products[id] = tier
		}
		prices := make(map[Interval]string, len(entry.Prices))
		for interval, priceID := range entry.Prices {
			iv, ok := ParseInterval(string(interval))
			if !ok {
				return nil, fmt.Errorf("plan catalog: tier %q has unknown interval %q", tier, interval)
			}
			if id := strings.TrimSpace(priceID); id != "" {
				prices[iv] = id
			}
		}
		c.prices[tier] = prices
	}
	if len(c.products) == 0 {
		return nil, errors.New("plan catalog: no paid tiers declared")
	}
	return c, nil
}

// TierForProduct maps a provider product id to its tier.
func (c *Catalog) TierForProduct(productID string) (Tier, bool) {
	tier, ok := c.products[strings.TrimSpace(productID)]
	return tier, ok
}

// PriceFor returns the provider price id used to check out a tier at an interval.
func (c *Catalog) PriceFor(tier Tier, interval Interval) (string, bool) {
	id, ok := c.prices[tier][interval]
	return id, ok
}

// Products lists all mapped product ids in stable order.
func (c *Catalog) Products() []string {
	out := make([]string, 0, len(c.products))
	for id := range c.products {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
