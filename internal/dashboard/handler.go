// Package dashboard exposes the cost service as a JSON API for the
// reporting frontend. Rendering and pagination happen client-side; these
// handlers only validate ranges and shape responses.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vnmchuo/cost-dashboard/internal/cost"
	"github.com/vnmchuo/cost-dashboard/internal/identity"
)

// CostService is the query surface the handlers consume. Implemented by
// cost.Service and cost.DemoService.
type CostService interface {
	DailyCost(ctx context.Context, start, end string) []cost.Record
	MonthlyCost(ctx context.Context, start, end string) []cost.Record
	DailyCostForUser(ctx context.Context, start, end, userID string) []cost.Record
	MonthlyCostForUser(ctx context.Context, start, end, userID string) []cost.Record
	DailyCostForModel(ctx context.Context, start, end, modelID string) []cost.Record
	MonthlyCostForModel(ctx context.Context, start, end, modelID string) []cost.Record
	CostByUser(ctx context.Context, start, end string) []cost.ByUser
	CostByModel(ctx context.Context, start, end string) []cost.ByModel
	CostByModelForUser(ctx context.Context, start, end, userID string) []cost.ByModel
	CostByUserForModel(ctx context.Context, start, end, modelID string) []cost.ByUser
}

// Directory lists known users and models. Implemented by identity.Resolver.
type Directory interface {
	ListUsers(ctx context.Context) ([]identity.User, error)
	ListModels(ctx context.Context) ([]identity.Model, error)
}

type Handler struct {
	svc CostService
	dir Directory
}

func NewHandler(svc CostService, dir Directory) *Handler {
	return &Handler{svc: svc, dir: dir}
}

// defaultRangeDays is the trailing window served when the caller does not
// pass start/end.
const defaultRangeDays = 30

// dateRange extracts and validates the [start, end) range from query
// params, defaulting to the trailing 30 days including today.
func dateRange(r *http.Request) (string, string, error) {
	today := time.Now().UTC()
	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")

	if start == "" {
		start = today.AddDate(0, 0, 1-defaultRangeDays).Format("2006-01-02")
	}
	if end == "" {
		end = today.AddDate(0, 0, 1).Format("2006-01-02")
	}

	startDate, err := time.Parse("2006-01-02", start)
	if err != nil {
		return "", "", errBadDate(start)
	}
	endDate, err := time.Parse("2006-01-02", end)
	if err != nil {
		return "", "", errBadDate(end)
	}
	if !startDate.Before(endDate) {
		return "", "", errEmptyRange
	}
	return start, end, nil
}

type apiError struct {
	msg  string
	code int
}

func (e apiError) Error() string { return e.msg }

var errEmptyRange = apiError{msg: "start must be before end", code: http.StatusBadRequest}

func errBadDate(v string) error {
	return apiError{msg: "invalid date: " + v + " (want YYYY-MM-DD)", code: http.StatusBadRequest}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if apiErr, ok := err.(apiError); ok {
		code = apiErr.code
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

type seriesResponse struct {
	Start   string        `json:"start"`
	End     string        `json:"end"`
	Records []cost.Record `json:"records"`
}

// HandleDailyCosts serves GET /v1/costs/daily. Optional user= or model=
// narrows the series to one entity.
func (h *Handler) HandleDailyCosts(w http.ResponseWriter, r *http.Request) {
	h.handleSeries(w, r, cost.Daily)
}

// HandleMonthlyCosts serves GET /v1/costs/monthly.
func (h *Handler) HandleMonthlyCosts(w http.ResponseWriter, r *http.Request) {
	h.handleSeries(w, r, cost.Monthly)
}

func (h *Handler) handleSeries(w http.ResponseWriter, r *http.Request, kind cost.Granularity) {
	start, end, err := dateRange(r)
	if err != nil {
		writeError(w, err)
		return
	}

	userID := r.URL.Query().Get("user")
	modelID := r.URL.Query().Get("model")
	if userID != "" && modelID != "" {
		writeError(w, apiError{msg: "user and model filters are mutually exclusive", code: http.StatusBadRequest})
		return
	}

	var records []cost.Record
	ctx := r.Context()
	switch {
	case userID != "" && kind == cost.Daily:
		records = h.svc.DailyCostForUser(ctx, start, end, userID)
	case userID != "":
		records = h.svc.MonthlyCostForUser(ctx, start, end, userID)
	case modelID != "" && kind == cost.Daily:
		records = h.svc.DailyCostForModel(ctx, start, end, modelID)
	case modelID != "":
		records = h.svc.MonthlyCostForModel(ctx, start, end, modelID)
	case kind == cost.Daily:
		records = h.svc.DailyCost(ctx, start, end)
	default:
		records = h.svc.MonthlyCost(ctx, start, end)
	}

	if records == nil {
		records = []cost.Record{}
	}
	writeJSON(w, http.StatusOK, seriesResponse{Start: start, End: end, Records: records})
}

// HandleCostByUser serves GET /v1/costs/by-user. Optional model= restricts
// the breakdown to spend on one model.
func (h *Handler) HandleCostByUser(w http.ResponseWriter, r *http.Request) {
	start, end, err := dateRange(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var costs []cost.ByUser
	if modelID := r.URL.Query().Get("model"); modelID != "" {
		costs = h.svc.CostByUserForModel(r.Context(), start, end, modelID)
	} else {
		costs = h.svc.CostByUser(r.Context(), start, end)
	}
	if costs == nil {
		costs = []cost.ByUser{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"start": start, "end": end, "costs": costs})
}

// HandleCostByModel serves GET /v1/costs/by-model. Optional user=
// restricts the breakdown to one user's spend.
func (h *Handler) HandleCostByModel(w http.ResponseWriter, r *http.Request) {
	start, end, err := dateRange(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var costs []cost.ByModel
	if userID := r.URL.Query().Get("user"); userID != "" {
		costs = h.svc.CostByModelForUser(r.Context(), start, end, userID)
	} else {
		costs = h.svc.CostByModel(r.Context(), start, end)
	}
	if costs == nil {
		costs = []cost.ByModel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"start": start, "end": end, "costs": costs})
}

// HandleListUsers serves GET /v1/users.
func (h *Handler) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.dir.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if users == nil {
		users = []identity.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// HandleListModels serves GET /v1/models.
func (h *Handler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.dir.ListModels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if models == nil {
		models = []identity.Model{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}
