// Package cost answers "what did we spend between date A and date B,
// optionally for one user or one model" by reconciling a local cache of
// finalized billing data with live calls to the billing API.
package cost

import (
	"context"
)

// Granularity selects the bucketing of a time-series query.
type Granularity string

const (
	Daily   Granularity = "daily"
	Monthly Granularity = "monthly"
)

// Record is one cost bucket. Date is an ISO-8601 day, or the first of the
// month for monthly queries. Dates compare lexicographically.
type Record struct {
	Date     string  `json:"date"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// ByUser is a cost total attributed to one user over a whole range.
type ByUser struct {
	UserID    string  `json:"user_id"`
	UserEmail string  `json:"user_email,omitempty"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

// ByModel is a cost total attributed to one model over a whole range.
type ByModel struct {
	ModelID   string  `json:"model_id"`
	ModelName string  `json:"model_name,omitempty"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

// BillingAPI is the external cost source. Calls are slow, paginated and
// metered; implementations must honor ctx cancellation.
type BillingAPI interface {
	DailyCost(ctx context.Context, start, end string) ([]Record, error)
	MonthlyCost(ctx context.Context, start, end string) ([]Record, error)
	DailyCostForUser(ctx context.Context, start, end, userID string) ([]Record, error)
	MonthlyCostForUser(ctx context.Context, start, end, userID string) ([]Record, error)
	DailyCostForModel(ctx context.Context, start, end, modelID string) ([]Record, error)
	MonthlyCostForModel(ctx context.Context, start, end, modelID string) ([]Record, error)
	CostByUser(ctx context.Context, start, end string) ([]ByUser, error)
	CostByModel(ctx context.Context, start, end string) ([]ByModel, error)
	CostByModelForUser(ctx context.Context, start, end, userID string) ([]ByModel, error)
	CostByUserForModel(ctx context.Context, start, end, modelID string) ([]ByUser, error)
}

// CacheStore holds previously computed cost records keyed by
// (granularity, filter id, date). Implemented by costcache.PostgresStore.
type CacheStore interface {
	// Get returns cached records in [start, end) ascending by date.
	Get(ctx context.Context, kind Granularity, filterID, start, end string) ([]Record, error)
	// Put upserts records under (kind, filterID, record date). Last write
	// wins per key; concurrent writers for the same key are safe.
	Put(ctx context.Context, kind Granularity, filterID string, records []Record) error
}

// Resolver decorates dimension breakdowns with human labels. Lookups that
// fail resolve to "" and the raw id is shown instead.
type Resolver interface {
	UserEmail(ctx context.Context, userID string) string
	ModelName(ctx context.Context, modelID string) string
}
