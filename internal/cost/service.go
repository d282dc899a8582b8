package cost

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/cost-dashboard/internal/worker"
)

// Dispatcher accepts detached background tasks. Implemented by
// worker.Queue; tests substitute an inline runner.
type Dispatcher interface {
	Enqueue(task worker.Task) bool
}

// fetchFunc fetches cost records for one sub-range from the billing API.
// The reconciliation algorithm is identical for every filter dimension;
// only this function varies.
type fetchFunc func(ctx context.Context, start, end string) ([]Record, error)

// Service reconciles cached finalized cost data with live billing API
// calls. Billing API and cache failures never propagate to the caller:
// every failure path yields an empty (sub-)result and a log line.
type Service struct {
	api    BillingAPI
	cache  CacheStore
	ids    Resolver
	queue  Dispatcher
	tracer trace.Tracer
	now    func() time.Time
}

func NewService(api BillingAPI, cache CacheStore, ids Resolver, queue Dispatcher, tracer trace.Tracer) *Service {
	return &Service{
		api:    api,
		cache:  cache,
		ids:    ids,
		queue:  queue,
		tracer: tracer,
		now:    time.Now,
	}
}

// cachedQuery serves [start, end) for one (kind, filterID) key.
//
// The finalized part of the range comes from the cache when the cached
// block covers it, otherwise from a synchronous billing API fetch whose
// result is written back to the cache off the request path. The live part
// always comes from the billing API and is never cached. Finalized dates
// are strictly below live dates, so appending keeps ascending order.
func (s *Service) cachedQuery(ctx context.Context, kind Granularity, filterID, start, end string, fetch fetchFunc) []Record {
	ctx, span := s.tracer.Start(ctx, "cost.cachedQuery", trace.WithAttributes(
		attribute.String("cost.kind", string(kind)),
		attribute.String("cost.filter", filterID),
		attribute.String("cost.start", start),
		attribute.String("cost.end", end),
	))
	defer span.End()

	finalized, live := partition(kind, start, end, s.now())

	var results []Record

	if !finalized.empty() {
		cached, err := s.cache.Get(ctx, kind, filterID, finalized.Start, finalized.End)
		if err != nil {
			// Treat an unreadable cache as a miss; the billing API is
			// the source of truth.
			log.Printf("cost: cache read failed, treating as miss kind=%s filter=%q range=%s..%s: %v",
				kind, filterID, finalized.Start, finalized.End, err)
			cached = nil
		}

		// The cache is only trusted when the cached block reaches back to
		// the requested start; a block starting later means an earlier
		// fetch covered only a suffix of this range.
		if len(cached) > 0 && cached[0].Date <= finalized.Start {
			span.SetAttributes(attribute.Bool("cost.cache_hit", true))
			results = append(results, cached...)
		} else {
			span.SetAttributes(attribute.Bool("cost.cache_hit", false))
			fetched := s.fetchRange(ctx, kind, filterID, finalized, fetch)
			s.scheduleWriteBack(kind, filterID, fetched)
			results = append(results, fetched...)
		}
	}

	if !live.empty() {
		results = append(results, s.fetchRange(ctx, kind, filterID, live, fetch)...)
	}

	return results
}

func (s *Service) fetchRange(ctx context.Context, kind Granularity, filterID string, r dateRange, fetch fetchFunc) []Record {
	records, err := fetch(ctx, r.Start, r.End)
	if err != nil {
		log.Printf("cost: billing api fetch failed kind=%s filter=%q range=%s..%s: %v",
			kind, filterID, r.Start, r.End, err)
		return nil
	}
	return records
}

// scheduleWriteBack upserts fetched finalized records into the cache
// without blocking the response. The task runs on the worker queue's own
// context, so a caller timeout cannot cancel it. Failure only costs a
// future cache hit.
func (s *Service) scheduleWriteBack(kind Granularity, filterID string, records []Record) {
	if len(records) == 0 {
		return
	}
	ok := s.queue.Enqueue(func(ctx context.Context) {
		if err := s.cache.Put(ctx, kind, filterID, records); err != nil {
			log.Printf("cost: cache write-back failed kind=%s filter=%q records=%d: %v",
				kind, filterID, len(records), err)
		}
	})
	if !ok {
		log.Printf("cost: write-back queue full, dropping kind=%s filter=%q records=%d",
			kind, filterID, len(records))
	}
}

// --- Time-series queries (cached) ---

func (s *Service) DailyCost(ctx context.Context, start, end string) []Record {
	return s.cachedQuery(ctx, Daily, "", start, end, s.api.DailyCost)
}

func (s *Service) MonthlyCost(ctx context.Context, start, end string) []Record {
	return s.cachedQuery(ctx, Monthly, "", start, end, s.api.MonthlyCost)
}

func (s *Service) DailyCostForUser(ctx context.Context, start, end, userID string) []Record {
	return s.cachedQuery(ctx, Daily, "user:"+userID, start, end,
		func(ctx context.Context, start, end string) ([]Record, error) {
			return s.api.DailyCostForUser(ctx, start, end, userID)
		})
}

func (s *Service) MonthlyCostForUser(ctx context.Context, start, end, userID string) []Record {
	return s.cachedQuery(ctx, Monthly, "user:"+userID, start, end,
		func(ctx context.Context, start, end string) ([]Record, error) {
			return s.api.MonthlyCostForUser(ctx, start, end, userID)
		})
}

func (s *Service) DailyCostForModel(ctx context.Context, start, end, modelID string) []Record {
	return s.cachedQuery(ctx, Daily, "model:"+modelID, start, end,
		func(ctx context.Context, start, end string) ([]Record, error) {
			return s.api.DailyCostForModel(ctx, start, end, modelID)
		})
}

func (s *Service) MonthlyCostForModel(ctx context.Context, start, end, modelID string) []Record {
	return s.cachedQuery(ctx, Monthly, "model:"+modelID, start, end,
		func(ctx context.Context, start, end string) ([]Record, error) {
			return s.api.MonthlyCostForModel(ctx, start, end, modelID)
		})
}

// --- Dimension breakdowns (uncached, decorated with labels) ---

func (s *Service) CostByUser(ctx context.Context, start, end string) []ByUser {
	ctx, span := s.tracer.Start(ctx, "cost.CostByUser")
	defer span.End()

	costs, err := s.api.CostByUser(ctx, start, end)
	if err != nil {
		log.Printf("cost: billing api fetch failed op=CostByUser range=%s..%s: %v", start, end, err)
		return nil
	}
	for i := range costs {
		costs[i].UserEmail = s.ids.UserEmail(ctx, costs[i].UserID)
	}
	return costs
}

func (s *Service) CostByModel(ctx context.Context, start, end string) []ByModel {
	ctx, span := s.tracer.Start(ctx, "cost.CostByModel")
	defer span.End()

	costs, err := s.api.CostByModel(ctx, start, end)
	if err != nil {
		log.Printf("cost: billing api fetch failed op=CostByModel range=%s..%s: %v", start, end, err)
		return nil
	}
	for i := range costs {
		costs[i].ModelName = s.ids.ModelName(ctx, costs[i].ModelID)
	}
	return costs
}

func (s *Service) CostByModelForUser(ctx context.Context, start, end, userID string) []ByModel {
	ctx, span := s.tracer.Start(ctx, "cost.CostByModelForUser")
	defer span.End()

	costs, err := s.api.CostByModelForUser(ctx, start, end, userID)
	if err != nil {
		log.Printf("cost: billing api fetch failed op=CostByModelForUser user=%s range=%s..%s: %v",
			userID, start, end, err)
		return nil
	}
	for i := range costs {
		costs[i].ModelName = s.ids.ModelName(ctx, costs[i].ModelID)
	}
	return costs
}

func (s *Service) CostByUserForModel(ctx context.Context, start, end, modelID string) []ByUser {
	ctx, span := s.tracer.Start(ctx, "cost.CostByUserForModel")
	defer span.End()

	costs, err := s.api.CostByUserForModel(ctx, start, end, modelID)
	if err != nil {
		log.Printf("cost: billing api fetch failed op=CostByUserForModel model=%s range=%s..%s: %v",
			modelID, start, end, err)
		return nil
	}
	for i := range costs {
		costs[i].UserEmail = s.ids.UserEmail(ctx, costs[i].UserID)
	}
	return costs
}
