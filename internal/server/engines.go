package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"outcomedesk/internal/domain"
	"outcomedesk/internal/engine"
)

func registerEngines(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-engine",
		Method:        http.MethodPost,
		Path:          "/engines",
		Summary:       "Register or update an execution engine",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body RegisterEngineBody `json:"body"`
	}) (*struct {
		Body EngineResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		eng := domain.ExecutionEngine{
			EngineID:     input.Body.EngineID,
			Name:         input.Body.Name,
			Model:        input.Body.Model,
			Harness:      input.Body.Harness,
			Vendor:       input.Body.Vendor,
			P95LatencyMS: input.Body.P95LatencyMS,
			Active:       true,
		}
		if input.Body.Active != nil {
			eng.Active = *input.Body.Active
		}
		if len(input.Body.Capabilities) > 0 {
			caps, _ := json.Marshal(input.Body.Capabilities)
			eng.CapabilitiesJSON = string(caps)
		}
		if len(input.Body.QuotedPrices) > 0 {
			profile, _ := json.Marshal(domain.CostProfile{QuotedPrices: input.Body.QuotedPrices})
			eng.CostProfileJSON = string(profile)
		}
		registered, err := e.RegisterEngine(ctx, eng, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EngineResponse `json:"body"`
		}{Body: engineResponse(registered)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-engines",
		Method:      http.MethodGet,
		Path:        "/engines",
		Summary:     "List registered engines",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active" doc:"Only list engines accepting work"`
	}) (*struct {
		Body struct {
			Engines []EngineResponse `json:"engines"`
		} `json:"body"`
	}, error) {
		var (
			engines []domain.ExecutionEngine
			err     error
		)
		if input.Active {
			engines, err = e.Repo.ListActiveEngines(ctx)
		} else {
			engines, err = e.Repo.ListEngines(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EngineResponse, 0, len(engines))
		for _, eng := range engines {
			out = append(out, engineResponse(eng))
		}
		resp := &struct {
			Body struct {
				Engines []EngineResponse `json:"engines"`
			} `json:"body"`
		}{}
		resp.Body.Engines = out
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-engine",
		Method:      http.MethodGet,
		Path:        "/engines/{engine_id}",
		Summary:     "Get an engine",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		EngineID string `path:"engine_id"`
	}) (*struct {
		Body EngineResponse `json:"body"`
	}, error) {
		eng, err := e.Repo.GetEngine(ctx, input.EngineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EngineResponse `json:"body"`
		}{Body: engineResponse(eng)}, nil
	})
}
