package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"outcomedesk/internal/capi"
	"outcomedesk/internal/engine"
)

func eventInput(b EventBody) capi.EventInput {
	return capi.EventInput{
		EventType:       b.EventType,
		RequestID:       b.RequestID,
		CorrelationID:   b.CorrelationID,
		BuyerID:         b.BuyerID,
		EventSourceTime: b.EventSourceTime,
		Data:            b.Data,
	}
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest-event",
		Method:      http.MethodPost,
		Path:        "/events",
		Summary:     "Ingest a conversion event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body EventBody `json:"body"`
	}) (*struct {
		Body EventAccepted `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.IngestEvent(ctx, eventInput(input.Body), actorID)
		if err != nil {
			if errors.Is(err, capi.ErrUnmatched) {
				return nil, newAPIError(http.StatusNotFound, "unmatched", err.Error(), map[string]any{
					"event_id": res.EventID,
				})
			}
			return nil, handleError(err)
		}
		if res.Warnings == nil {
			res.Warnings = []string{}
		}
		return &struct {
			Body EventAccepted `json:"body"`
		}{Body: EventAccepted{
			EventID:     res.EventID,
			ProcessedAt: res.ProcessedAt,
			Warnings:    res.Warnings,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ingest-event-batch",
		Method:      http.MethodPost,
		Path:        "/events/batch",
		Summary:     "Ingest a batch of conversion events",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Events []EventBody `json:"events" minItems:"1" maxItems:"500"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			Results []BatchEventStatus `json:"results"`
		} `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ins := make([]capi.EventInput, 0, len(input.Body.Events))
		for _, b := range input.Body.Events {
			ins = append(ins, eventInput(b))
		}
		items := e.IngestBatch(ctx, ins, actorID)
		results := make([]BatchEventStatus, 0, len(items))
		for _, item := range items {
			st := BatchEventStatus{
				EventID:     item.Result.EventID,
				Status:      item.Result.Status,
				ProcessedAt: item.Result.ProcessedAt,
				Warnings:    item.Result.Warnings,
			}
			if item.Err != nil {
				if st.Status == "" {
					st.Status = "rejected"
				}
				st.Error = item.Err.Error()
			}
			results = append(results, st)
		}
		resp := &struct {
			Body struct {
				Results []BatchEventStatus `json:"results"`
			} `json:"body"`
		}{}
		resp.Body.Results = results
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}",
		Summary:     "Get a conversion event's processing status",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body EventStatusResponse `json:"body"`
	}, error) {
		ev, err := e.Repo.GetConversionEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		actions := []string{}
		if ev.ActionsTriggeredJSON != "" {
			_ = json.Unmarshal([]byte(ev.ActionsTriggeredJSON), &actions)
		}
		return &struct {
			Body EventStatusResponse `json:"body"`
		}{Body: EventStatusResponse{
			EventID:          ev.EventID,
			EventType:        ev.EventType,
			RequestID:        ev.RequestID,
			Status:           ev.Status,
			ActionsTriggered: actions,
			ProcessedAt:      ev.ProcessedAt,
			CreatedAt:        ev.CreatedAt,
		}}, nil
	})
}
