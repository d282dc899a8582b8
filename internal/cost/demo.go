package cost

import (
	"context"
	"fmt"
	"time"

	"github.com/vnmchuo/cost-dashboard/internal/identity"
)

// DemoService serves deterministic canned data so the dashboard can run
// without AWS, Postgres or redis. It implements the same surface as
// Service.
type DemoService struct{}

const (
	demoAliceID   = "00000000-0000-0000-0000-000000000001"
	demoBobID     = "00000000-0000-0000-0000-000000000002"
	demoCharlieID = "00000000-0000-0000-0000-000000000003"

	demoOpusID   = "00000000-0000-0000-0000-000000000011"
	demoSonnetID = "00000000-0000-0000-0000-000000000012"
	demoHaikuID  = "00000000-0000-0000-0000-000000000013"
)

type demoEntity struct {
	id, label string
}

func demoUsers() []demoEntity {
	return []demoEntity{
		{demoAliceID, "alice@example.com"},
		{demoBobID, "bob@example.com"},
		{demoCharlieID, "charlie@example.com"},
	}
}

func demoModels() []demoEntity {
	return []demoEntity{
		{demoOpusID, "claude-3-opus"},
		{demoSonnetID, "claude-3-sonnet"},
		{demoHaikuID, "claude-3-haiku"},
	}
}

type demoUsage struct {
	userID, modelID string
	amount          float64
}

// (user, model, amount) over the whole demo range.
func demoUserModelCosts() []demoUsage {
	return []demoUsage{
		{demoAliceID, demoOpusID, 48.30},
		{demoAliceID, demoSonnetID, 35.20},
		{demoAliceID, demoHaikuID, 22.00},
		{demoBobID, demoOpusID, 32.50},
		{demoBobID, demoSonnetID, 25.80},
		{demoBobID, demoHaikuID, 12.60},
		{demoCharlieID, demoOpusID, 15.00},
		{demoCharlieID, demoSonnetID, 11.40},
		{demoCharlieID, demoHaikuID, 8.00},
	}
}

func demoDailyCosts() []Record {
	today := time.Now().UTC()
	amounts := []float64{45.20, 52.80, 38.90, 61.40, 55.10, 48.60, 42.30}
	records := make([]Record, 0, len(amounts))
	for i, amount := range amounts {
		date := today.AddDate(0, 0, i-len(amounts)+1).Format("2006-01-02")
		records = append(records, Record{Date: date, Amount: amount, Currency: "USD"})
	}
	return records
}

func demoMonthlyCosts() []Record {
	today := time.Now().UTC()
	amounts := []float64{820.50, 945.30, 780.10, 1102.40, 890.70, 960.20}
	records := make([]Record, 0, len(amounts))
	for i, amount := range amounts {
		m := today.AddDate(0, i-len(amounts)+1, 0)
		date := fmt.Sprintf("%04d-%02d-01", m.Year(), m.Month())
		records = append(records, Record{Date: date, Amount: amount, Currency: "USD"})
	}
	return records
}

func demoFilterRange(records []Record, start, end string) []Record {
	var out []Record
	for _, r := range records {
		if r.Date >= start && r.Date < end {
			out = append(out, r)
		}
	}
	return out
}

func demoUserFraction(userID string) float64 {
	var userTotal, grandTotal float64
	for _, c := range demoUserModelCosts() {
		grandTotal += c.amount
		if c.userID == userID {
			userTotal += c.amount
		}
	}
	if grandTotal == 0 {
		return 0
	}
	return userTotal / grandTotal
}

func demoModelFraction(modelID string) float64 {
	var modelTotal, grandTotal float64
	for _, c := range demoUserModelCosts() {
		grandTotal += c.amount
		if c.modelID == modelID {
			modelTotal += c.amount
		}
	}
	if grandTotal == 0 {
		return 0
	}
	return modelTotal / grandTotal
}

func demoScale(records []Record, fraction float64) []Record {
	out := make([]Record, len(records))
	for i, r := range records {
		r.Amount *= fraction
		out[i] = r
	}
	return out
}

func (DemoService) DailyCost(_ context.Context, start, end string) []Record {
	return demoFilterRange(demoDailyCosts(), start, end)
}

func (DemoService) MonthlyCost(_ context.Context, start, end string) []Record {
	return demoFilterRange(demoMonthlyCosts(), start, end)
}

func (DemoService) DailyCostForUser(_ context.Context, start, end, userID string) []Record {
	return demoScale(demoFilterRange(demoDailyCosts(), start, end), demoUserFraction(userID))
}

func (DemoService) MonthlyCostForUser(_ context.Context, start, end, userID string) []Record {
	return demoScale(demoFilterRange(demoMonthlyCosts(), start, end), demoUserFraction(userID))
}

func (DemoService) DailyCostForModel(_ context.Context, start, end, modelID string) []Record {
	return demoScale(demoFilterRange(demoDailyCosts(), start, end), demoModelFraction(modelID))
}

func (DemoService) MonthlyCostForModel(_ context.Context, start, end, modelID string) []Record {
	return demoScale(demoFilterRange(demoMonthlyCosts(), start, end), demoModelFraction(modelID))
}

func (DemoService) CostByUser(_ context.Context, _, _ string) []ByUser {
	totals := Aggregate(demoUserModelCosts(), func(c demoUsage) GroupTotal {
		return GroupTotal{Key: c.userID, Amount: c.amount, Currency: "USD"}
	})
	out := make([]ByUser, 0, len(totals))
	for _, t := range totals {
		out = append(out, ByUser{UserID: t.Key, UserEmail: demoLabel(demoUsers(), t.Key), Amount: t.Amount, Currency: t.Currency})
	}
	return out
}

func (DemoService) CostByModel(_ context.Context, _, _ string) []ByModel {
	totals := Aggregate(demoUserModelCosts(), func(c demoUsage) GroupTotal {
		return GroupTotal{Key: c.modelID, Amount: c.amount, Currency: "USD"}
	})
	out := make([]ByModel, 0, len(totals))
	for _, t := range totals {
		out = append(out, ByModel{ModelID: t.Key, ModelName: demoLabel(demoModels(), t.Key), Amount: t.Amount, Currency: t.Currency})
	}
	return out
}

func (DemoService) CostByModelForUser(_ context.Context, _, _, userID string) []ByModel {
	var out []ByModel
	for _, c := range demoUserModelCosts() {
		if c.userID != userID {
			continue
		}
		out = append(out, ByModel{ModelID: c.modelID, ModelName: demoLabel(demoModels(), c.modelID), Amount: c.amount, Currency: "USD"})
	}
	return out
}

func (DemoService) CostByUserForModel(_ context.Context, _, _, modelID string) []ByUser {
	var out []ByUser
	for _, c := range demoUserModelCosts() {
		if c.modelID != modelID {
			continue
		}
		out = append(out, ByUser{UserID: c.userID, UserEmail: demoLabel(demoUsers(), c.userID), Amount: c.amount, Currency: "USD"})
	}
	return out
}

// ListUsers and ListModels let demo mode stand in for the identity
// directory as well.

func (DemoService) ListUsers(_ context.Context) ([]identity.User, error) {
	users := make([]identity.User, 0, len(demoUsers()))
	for _, u := range demoUsers() {
		users = append(users, identity.User{UserID: u.id, UserEmail: u.label})
	}
	return users, nil
}

func (DemoService) ListModels(_ context.Context) ([]identity.Model, error) {
	models := make([]identity.Model, 0, len(demoModels()))
	for _, m := range demoModels() {
		models = append(models, identity.Model{ModelID: m.id, ModelName: m.label})
	}
	return models, nil
}

func demoLabel(entities []demoEntity, id string) string {
	for _, e := range entities {
		if e.id == id {
			return e.label
		}
	}
	return ""
}
