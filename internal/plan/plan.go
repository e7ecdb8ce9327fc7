// Package plan maps plan tiers to quota limits and concurrency ceilings.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Tier is a tenant's subscription level.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// QuotaJobsPerDay is the quota the dispatcher consumes per admitted job.
const QuotaJobsPerDay = "jobs_per_day"

// QuotaLimit is a numeric ceiling over a fixed window. WindowHours 0 never expires.
type QuotaLimit struct {
	Name        string `json:"name"`
	Limit       int64  `json:"limit"`
	WindowHours int    `json:"window_hours"`
}

// Window returns the counter lifetime, zero for non-expiring quotas.
func (q QuotaLimit) Window() time.Duration {
	return time.Duration(q.WindowHours) * time.Hour
}

// Limits groups everything admission control needs for one tier.
type Limits struct {
	Quotas []QuotaLimit `json:"quotas"`
	// MaxConcurrent caps in-flight jobs across all workflow types.
	MaxConcurrent int `json:"max_concurrent"`
	// MaxConcurrentExpensive caps in-flight jobs of each expensive workflow type.
	MaxConcurrentExpensive int `json:"max_concurrent_expensive"`
}

// Catalog resolves limits by tier. Unknown tiers fall back to the default tier.
type Catalog struct {
	Tiers       map[Tier]Limits `json:"tiers"`
	Expensive   []string        `json:"expensive_workflows"`
	DefaultTier Tier            `json:"default_tier"`

	expensive map[string]bool
}

// DefaultCatalog is used when no plans file is configured.
func DefaultCatalog() *Catalog {
	c := &Catalog{
		DefaultTier: TierFree,
		Expensive:   []string{"ai_call", "report_generation", "media_thumbnail"},
		Tiers: map[Tier]Limits{
			TierFree: {
				Quotas: []QuotaLimit{
					{Name: QuotaJobsPerDay, Limit: 100, WindowHours: 24},
					{Name: "ai_calls_per_day", Limit: 20, WindowHours: 24},
					{Name: "reports_total", Limit: 10, WindowHours: 0},
				},
				MaxConcurrent:          2,
				MaxConcurrentExpensive: 1,
			},
			TierPro: {
				Quotas: []QuotaLimit{
					{Name: QuotaJobsPerDay, Limit: 2000, WindowHours: 24},
					{Name: "ai_calls_per_day", Limit: 500, WindowHours: 24},
					{Name: "reports_total", Limit: 1000, WindowHours: 0},
				},
				MaxConcurrent:          10,
				MaxConcurrentExpensive: 3,
			},
			TierEnterprise: {
				Quotas: []QuotaLimit{
					{Name: QuotaJobsPerDay, Limit: 50000, WindowHours: 24},
					{Name: "ai_calls_per_day", Limit: 10000, WindowHours: 24},
				},
				MaxConcurrent:          50,
				MaxConcurrentExpensive: 10,
			},
		},
	}
	c.index()
	return c
}

// LoadCatalog reads a JSON catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	var c Catalog
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode plans file: %w", err)
	}
	if len(c.Tiers) == 0 {
		return nil, fmt.Errorf("plans file %s defines no tiers", path)
	}
	if c.DefaultTier == "" {
		c.DefaultTier = TierFree
	}
	if _, ok := c.Tiers[c.DefaultTier]; !ok {
		return nil, fmt.Errorf("default tier %q is not defined", c.DefaultTier)
	}
	c.index()
	return &c, nil
}

// SetExpensive replaces the list of expensive workflow types.
func (c *Catalog) SetExpensive(types []string) {
	c.Expensive = append([]string(nil), types...)
	c.index()
}

func (c *Catalog) index() {
	c.expensive = make(map[string]bool, len(c.Expensive))
	for _, t := range c.Expensive {
		c.expensive[t] = true
	}
}

func (c *Catalog) limits(tier Tier) Limits {
	if l, ok := c.Tiers[tier]; ok {
		return l
	}
	return c.Tiers[c.DefaultTier]
}

// Quota returns the named limit for a tier; false means the quota is not defined.
func (c *Catalog) Quota(tier Tier, name string) (QuotaLimit, bool) {
	for _, q := range c.limits(tier).Quotas {
		if q.Name == name {
			return q, true
		}
	}
	return QuotaLimit{}, false
}

// IsExpensive reports whether a workflow type runs under the tighter per-type cap.
func (c *Catalog) IsExpensive(workflowType string) bool {
	return c.expensive[workflowType]
}

// TenantLimit is the tenant-wide in-flight ceiling.
func (c *Catalog) TenantLimit(tier Tier) int {
	return c.limits(tier).MaxConcurrent
}

// WorkflowLimit is the per-(tenant, workflow type) ceiling. Non-expensive types
// are only bounded by the tenant-wide cap.
func (c *Catalog) WorkflowLimit(tier Tier, workflowType string) int {
	l := c.limits(tier)
	if c.IsExpensive(workflowType) && l.MaxConcurrentExpensive > 0 && l.MaxConcurrentExpensive < l.MaxConcurrent {
		return l.MaxConcurrentExpensive
	}
	return l.MaxConcurrent
}
