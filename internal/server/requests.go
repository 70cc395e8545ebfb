package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"outcomedesk/internal/engine"
	"outcomedesk/internal/repo"
)

func registerRequests(api huma.API, e *engine.Engine) {
	type requestPath struct {
		RequestID string `path:"request_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "submit-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit an outcome request and run the auction",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, assignment, err := e.SubmitRequest(ctx, input.Body.toDomain(), actorID)
		if err != nil && req.Status != "no_match" {
			return nil, handleError(err)
		}
		out := requestResponse(req, assignment)
		if err != nil {
			out.NoMatchReason = err.Error()
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Get a request and its assignment",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		req, err := e.Repo.GetRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		var assignment *AssignmentResponse
		if a, aerr := e.Repo.GetAssignment(ctx, input.RequestID); aerr == nil {
			assignment = &AssignmentResponse{
				EngineID:       a.EngineID,
				BidPrice:       a.BidPrice,
				EffectivePrice: a.EffectivePrice,
				ReservationID:  a.ReservationID,
				AssignedAt:     a.AssignedAt,
			}
		} else if aerr != repo.ErrNotFound {
			return nil, handleError(aerr)
		}
		out := requestResponse(req, nil)
		out.Assignment = assignment
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
	}, func(ctx context.Context, input *struct {
		BuyerID     string `query:"buyer_id"`
		Status      string `query:"status"`
		OutcomeType string `query:"outcome_type"`
		Limit       int    `query:"limit"`
		Cursor      string `query:"cursor"`
		CursorID    string `query:"cursor_id"`
	}) (*struct {
		Body struct {
			Requests []RequestResponse `json:"requests"`
		} `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		reqs, err := e.Repo.ListRequests(ctx, repo.RequestFilters{
			BuyerID:         input.BuyerID,
			Status:          input.Status,
			OutcomeType:     input.OutcomeType,
			Limit:           limit,
			CursorCreatedAt: input.Cursor,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RequestResponse, 0, len(reqs))
		for _, r := range reqs {
			out = append(out, requestResponse(r, nil))
		}
		resp := &struct {
			Body struct {
				Requests []RequestResponse `json:"requests"`
			} `json:"body"`
		}{}
		resp.Body.Requests = out
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/cancel",
		Summary:     "Cancel a pending request",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CancelRequest(ctx, input.RequestID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-delivery",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/delivery",
		Summary:     "Record the delivery response for an assignment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string       `path:"request_id"`
		Body      DeliveryBody `json:"body"`
	}) (*struct {
		Body struct {
			ResponseID string `json:"response_id"`
			RequestID  string `json:"request_id"`
			Status     string `json:"status"`
			CreatedAt  string `json:"created_at"`
		} `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := engine.DeliveryInput{
			RequestID:              input.RequestID,
			Status:                 input.Body.Status,
			SuccessCriteriaResults: input.Body.SuccessCriteriaResults,
			DeliveryMetrics:        input.Body.DeliveryMetrics,
			Guarantee:              input.Body.Guarantee,
		}
		if input.Body.Escalation != nil {
			in.Escalation = &engine.EscalationReport{
				Reason:               input.Body.Escalation.Reason,
				Confidence:           input.Body.Escalation.Confidence,
				Attempts:             input.Body.Escalation.Attempts,
				BuyerText:            input.Body.Escalation.BuyerText,
				PolicyViolation:      input.Body.Escalation.PolicyViolation,
				OutOfScope:           input.Body.Escalation.OutOfScope,
				WorkCompletedPercent: input.Body.Escalation.WorkCompletedPercent,
				Data:                 input.Body.Escalation.Data,
			}
		}
		resp, err := e.RecordDelivery(ctx, in, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				ResponseID string `json:"response_id"`
				RequestID  string `json:"request_id"`
				Status     string `json:"status"`
				CreatedAt  string `json:"created_at"`
			} `json:"body"`
		}{}
		out.Body.ResponseID = resp.ResponseID
		out.Body.RequestID = resp.RequestID
		out.Body.Status = resp.Status
		out.Body.CreatedAt = resp.CreatedAt
		return out, nil
	})
}
