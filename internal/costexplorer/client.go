// Package costexplorer wraps the AWS Cost Explorer API behind the
// cost.BillingAPI surface. Every call is paginated, slow and metered, so
// calls go through a circuit breaker and an optional client-side budget.
package costexplorer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ce "github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/sony/gobreaker"

	"github.com/vnmchuo/cost-dashboard/internal/cost"
)

// Cost allocation tags the gateway stamps on Bedrock spend.
const (
	userTagKey  = "GatewayUserId"
	modelTagKey = "GatewayModelId"
)

const costMetric = "BlendedCost"

// ErrBudgetExhausted is returned when the client-side call budget for the
// metered Cost Explorer API is spent.
var ErrBudgetExhausted = errors.New("cost explorer call budget exhausted")

// API is the slice of the AWS SDK client this package uses.
type API interface {
	GetCostAndUsage(ctx context.Context, params *ce.GetCostAndUsageInput, optFns ...func(*ce.Options)) (*ce.GetCostAndUsageOutput, error)
}

// Budget limits outbound calls. Implemented by ratelimit.Limiter.
type Budget interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type Client struct {
	api     API
	breaker *gobreaker.CircuitBreaker
	budget  Budget // nil disables budgeting
}

func New(api API, budget Budget) *Client {
	settings := gobreaker.Settings{
		Name:        "costexplorer",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Client{
		api:     api,
		breaker: gobreaker.NewCircuitBreaker(settings),
		budget:  budget,
	}
}

func (c *Client) getCostAndUsage(ctx context.Context, input *ce.GetCostAndUsageInput) (*ce.GetCostAndUsageOutput, error) {
	if c.budget != nil {
		allowed, err := c.budget.Allow(ctx, "costexplorer")
		if err != nil {
			// A broken budget backend must not take the dashboard down.
			log.Printf("costexplorer: budget check failed, allowing call: %v", err)
		} else if !allowed {
			return nil, ErrBudgetExhausted
		}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.api.GetCostAndUsage(ctx, input)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ce.GetCostAndUsageOutput), nil
}

func dateInterval(start, end string) *types.DateInterval {
	return &types.DateInterval{Start: aws.String(start), End: aws.String(end)}
}

func tagFilter(key, value string) *types.Expression {
	return &types.Expression{
		Tags: &types.TagValues{
			Key:          aws.String(key),
			Values:       []string{value},
			MatchOptions: []types.MatchOption{types.MatchOptionEquals},
		},
	}
}

// costSeries fetches one record per time bucket in [start, end), following
// page tokens until the API is exhausted.
func (c *Client) costSeries(ctx context.Context, granularity types.Granularity, filter *types.Expression, start, end string) ([]cost.Record, error) {
	var records []cost.Record
	var nextToken *string

	for {
		out, err := c.getCostAndUsage(ctx, &ce.GetCostAndUsageInput{
			TimePeriod:    dateInterval(start, end),
			Granularity:   granularity,
			Metrics:       []string{costMetric},
			Filter:        filter,
			NextPageToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("get cost and usage: %w", err)
		}

		for _, result := range out.ResultsByTime {
			date := ""
			if result.TimePeriod != nil {
				date = aws.ToString(result.TimePeriod.Start)
			}
			amount, currency := extractCostMetric(result.Total)
			records = append(records, cost.Record{Date: date, Amount: amount, Currency: currency})
		}

		nextToken = out.NextPageToken
		if nextToken == nil {
			return records, nil
		}
	}
}

// costByTag fetches per-entity totals over [start, end): one grouped query
// per time bucket, collapsed across buckets into one total per tag value.
func (c *Client) costByTag(ctx context.Context, tagKey string, filter *types.Expression, start, end string) ([]cost.GroupTotal, error) {
	var rows []cost.GroupTotal
	var nextToken *string

	for {
		out, err := c.getCostAndUsage(ctx, &ce.GetCostAndUsageInput{
			TimePeriod:  dateInterval(start, end),
			Granularity: types.GranularityDaily,
			Metrics:     []string{costMetric},
			GroupBy: []types.GroupDefinition{{
				Type: types.GroupDefinitionTypeTag,
				Key:  aws.String(tagKey),
			}},
			Filter:        filter,
			NextPageToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("get cost and usage grouped by %s: %w", tagKey, err)
		}

		for _, result := range out.ResultsByTime {
			for _, group := range result.Groups {
				id := groupTagValue(group.Keys, tagKey)
				if id == "" {
					continue
				}
				amount, currency := extractCostMetric(group.Metrics)
				rows = append(rows, cost.GroupTotal{Key: id, Amount: amount, Currency: currency})
			}
		}

		nextToken = out.NextPageToken
		if nextToken == nil {
			break
		}
	}

	return cost.Aggregate(rows, func(r cost.GroupTotal) cost.GroupTotal { return r }), nil
}

// --- cost.BillingAPI ---

func (c *Client) DailyCost(ctx context.Context, start, end string) ([]cost.Record, error) {
	return c.costSeries(ctx, types.GranularityDaily, nil, start, end)
}

func (c *Client) MonthlyCost(ctx context.Context, start, end string) ([]cost.Record, error) {
	return c.costSeries(ctx, types.GranularityMonthly, nil, start, end)
}

func (c *Client) DailyCostForUser(ctx context.Context, start, end, userID string) ([]cost.Record, error) {
	return c.costSeries(ctx, types.GranularityDaily, tagFilter(userTagKey, userID), start, end)
}

func (c *Client) MonthlyCostForUser(ctx context.Context, start, end, userID string) ([]cost.Record, error) {
	return c.costSeries(ctx, types.GranularityMonthly, tagFilter(userTagKey, userID), start, end)
}

func (c *Client) DailyCostForModel(ctx context.Context, start, end, modelID string) ([]cost.Record, error) {
	return c.costSeries(ctx, types.GranularityDaily, tagFilter(modelTagKey, modelID), start, end)
}

func (c *Client) MonthlyCostForModel(ctx context.Context, start, end, modelID string) ([]cost.Record, error) {
	return c.costSeries(ctx, types.GranularityMonthly, tagFilter(modelTagKey, modelID), start, end)
}

func (c *Client) CostByUser(ctx context.Context, start, end string) ([]cost.ByUser, error) {
	totals, err := c.costByTag(ctx, userTagKey, nil, start, end)
	if err != nil {
		return nil, err
	}
	return toByUser(totals), nil
}

func (c *Client) CostByModel(ctx context.Context, start, end string) ([]cost.ByModel, error) {
	totals, err := c.costByTag(ctx, modelTagKey, nil, start, end)
	if err != nil {
		return nil, err
	}
	return toByModel(totals), nil
}

func (c *Client) CostByModelForUser(ctx context.Context, start, end, userID string) ([]cost.ByModel, error) {
	totals, err := c.costByTag(ctx, modelTagKey, tagFilter(userTagKey, userID), start, end)
	if err != nil {
		return nil, err
	}
	return toByModel(totals), nil
}

func (c *Client) CostByUserForModel(ctx context.Context, start, end, modelID string) ([]cost.ByUser, error) {
	totals, err := c.costByTag(ctx, userTagKey, tagFilter(modelTagKey, modelID), start, end)
	if err != nil {
		return nil, err
	}
	return toByUser(totals), nil
}

func toByUser(totals []cost.GroupTotal) []cost.ByUser {
	out := make([]cost.ByUser, 0, len(totals))
	for _, t := range totals {
		out = append(out, cost.ByUser{UserID: t.Key, Amount: t.Amount, Currency: t.Currency})
	}
	return out
}

func toByModel(totals []cost.GroupTotal) []cost.ByModel {
	out := make([]cost.ByModel, 0, len(totals))
	for _, t := range totals {
		out = append(out, cost.ByModel{ModelID: t.Key, Amount: t.Amount, Currency: t.Currency})
	}
	return out
}

// groupTagValue strips the "TagKey$" prefix Cost Explorer puts on group
// keys. Untagged spend comes back as just "TagKey$", which yields "".
func groupTagValue(keys []string, tagKey string) string {
	if len(keys) == 0 {
		return ""
	}
	key := keys[0]
	prefix := tagKey + "$"
	if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}

func extractCostMetric(metrics map[string]types.MetricValue) (float64, string) {
	mv, ok := metrics[costMetric]
	if !ok {
		return 0, "USD"
	}
	amount := 0.0
	if mv.Amount != nil {
		if v, err := strconv.ParseFloat(aws.ToString(mv.Amount), 64); err == nil {
			amount = v
		}
	}
	currency := "USD"
	if mv.Unit != nil && aws.ToString(mv.Unit) != "" {
		currency = aws.ToString(mv.Unit)
	}
	return amount, currency
}
