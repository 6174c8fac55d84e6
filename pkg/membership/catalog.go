package membership

import (
	"context"
	"fmt"
)

// CatalogBinding is one tier-feature row of a catalog
type CatalogBinding struct {
	Tier       string
	Feature    string
	Value      string
	UsageLimit *int64
	Period     PeriodType
}

// Catalog is a complete set of reference data
type Catalog struct {
	Tiers    []Tier
	Features []Feature
	Bindings []CatalogBinding
}

func limit(n int64) *int64 { return &n }

// DefaultCatalog is the stock tier layout used by local development and the
// in-memory store. The postgres migrations seed the same rows.
func DefaultCatalog() Catalog {
	return Catalog{
		Tiers: []Tier{
			{Name: TierFree, DisplayName: "Free", IsDefault: true, SortOrder: 0},
			{Name: TierTrial, DisplayName: "Trial", SortOrder: 1},
			{Name: "premium", DisplayName: "Premium", PriceMonthly: 9.99, PriceYearly: 99.99, SortOrder: 2},
			{Name: "pro", DisplayName: "Pro", PriceMonthly: 29.99, PriceYearly: 299.99, SortOrder: 3},
		},
		Features: []Feature{
			{Key: "api_calls", DisplayName: "API calls", Type: FeatureLimit, DefaultValue: "0"},
			{Key: "projects", DisplayName: "Projects", Type: FeatureLimit, DefaultValue: "1"},
			{Key: "exports", DisplayName: "Exports", Type: FeatureLimit, DefaultValue: "0"},
			{Key: "priority_support", DisplayName: "Priority support", Type: FeatureBoolean, DefaultValue: "false"},
			{Key: "analytics", DisplayName: "Analytics", Type: FeatureEnum, DefaultValue: "basic"},
		},
		Bindings: []CatalogBinding{
			{Tier: TierFree, Feature: "api_calls", Value: "100", Period: PeriodMonthly},
			{Tier: TierFree, Feature: "projects", Value: "1", Period: PeriodLifetime},
			{Tier: TierFree, Feature: "exports", Value: "1", Period: PeriodDaily},
			{Tier: TierFree, Feature: "priority_support", Value: "false"},
			{Tier: TierFree, Feature: "analytics", Value: "basic"},

			{Tier: TierTrial, Feature: "api_calls", Value: "1000", Period: PeriodMonthly},
			{Tier: TierTrial, Feature: "projects", Value: "5", Period: PeriodLifetime},
			{Tier: TierTrial, Feature: "exports", Value: "10", Period: PeriodDaily},
			{Tier: TierTrial, Feature: "priority_support", Value: "true"},
			{Tier: TierTrial, Feature: "analytics", Value: "advanced"},

			{Tier: "premium", Feature: "api_calls", Value: "1000", Period: PeriodMonthly},
			{Tier: "premium", Feature: "projects", Value: "10", Period: PeriodLifetime},
			{Tier: "premium", Feature: "exports", Value: "20", Period: PeriodDaily},
			{Tier: "premium", Feature: "priority_support", Value: "true"},
			{Tier: "premium", Feature: "analytics", Value: "advanced"},

			{Tier: "pro", Feature: "api_calls", Value: "-1", Period: PeriodMonthly},
			{Tier: "pro", Feature: "projects", Value: "-1", Period: PeriodLifetime},
			{Tier: "pro", Feature: "exports", Value: "-1", Period: PeriodDaily, UsageLimit: limit(Unlimited)},
			{Tier: "pro", Feature: "priority_support", Value: "true"},
			{Tier: "pro", Feature: "analytics", Value: "enterprise"},
		},
	}
}

// SeedCatalog writes c through the directory, skipping tiers that already exist
func SeedCatalog(ctx context.Context, d *Directory, c Catalog) error {
	ids := make(map[string]string, len(c.Tiers))
	for i := range c.Tiers {
		t := c.Tiers[i]
		existing, err := d.system.GetTierByName(ctx, t.Name)
		if err != nil {
			return upstream("get tier by name", err)
		}
		if existing != nil {
			ids[t.Name] = existing.ID
			continue
		}
		if err := d.CreateTier(ctx, &t); err != nil {
			return fmt.Errorf("failed to seed tier %s: %w", t.Name, err)
		}
		ids[t.Name] = t.ID
	}
	for i := range c.Features {
		f := c.Features[i]
		f.IsActive = true
		if err := d.UpsertFeature(ctx, &f); err != nil {
			return fmt.Errorf("failed to seed feature %s: %w", f.Key, err)
		}
	}
	for _, b := range c.Bindings {
		tierID, ok := ids[b.Tier]
		if !ok {
			return &NotFoundError{Entity: "tier", Key: b.Tier}
		}
		if err := d.BindFeature(ctx, tierID, b.Feature, b.Value, b.UsageLimit, b.Period); err != nil {
			return fmt.Errorf("failed to seed binding %s/%s: %w", b.Tier, b.Feature, err)
		}
	}
	d.logger.Info("catalog seeded", F("tiers", len(c.Tiers)), F("features", len(c.Features)))
	return nil
}
