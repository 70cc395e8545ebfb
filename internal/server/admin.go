package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"outcomedesk/internal/engine"
	"outcomedesk/internal/repo"
)

func registerBudgets(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-budgets",
		Method:      http.MethodGet,
		Path:        "/budgets",
		Summary:     "List budget states for a buyer",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		BuyerID string `query:"buyer_id" required:"true"`
	}) (*struct {
		Body struct {
			Budgets []BudgetResponse `json:"budgets"`
		} `json:"body"`
	}, error) {
		if input.BuyerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "buyer_id is required", nil)
		}
		states, err := e.Repo.ListBudgetStates(ctx, input.BuyerID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]BudgetResponse, 0, len(states))
		for _, st := range states {
			out = append(out, budgetResponse(st))
		}
		resp := &struct {
			Body struct {
				Budgets []BudgetResponse `json:"budgets"`
			} `json:"body"`
		}{}
		resp.Body.Budgets = out
		return resp, nil
	})
}

func registerAudit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-events",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		RequestID string `query:"request_id"`
		Type      string `query:"type"`
		AfterID   int64  `query:"after_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body struct {
			Events []AuditEventResponse `json:"events"`
		} `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		evs, err := e.Repo.ListAuditEvents(ctx, repo.AuditFilters{
			RequestID: input.RequestID,
			Type:      input.Type,
			AfterID:   input.AfterID,
			Limit:     limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AuditEventResponse, 0, len(evs))
		for _, ev := range evs {
			out = append(out, auditResponse(ev))
		}
		resp := &struct {
			Body struct {
				Events []AuditEventResponse `json:"events"`
			} `json:"body"`
		}{}
		resp.Body.Events = out
		return resp, nil
	})
}
