package server

import (
	"context"
	"io"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"outcomedesk/internal/engine"
)

func registerClaims(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "attach-evidence",
		Method:        http.MethodPost,
		Path:          "/claims/{claim_id}/evidence",
		Summary:       "Attach an evidence file to a claim",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ClaimID string `path:"claim_id"`
		Kind    string `query:"kind" doc:"Evidence kind, e.g. transcript, screenshot, log"`
		RawBody huma.MultipartFormFiles[struct {
			File huma.FormFile `form:"file" required:"true"`
		}]
	}) (*struct {
		Body EvidenceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		data := input.RawBody.Data()
		content, err := io.ReadAll(data.File)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unreadable evidence file", nil)
		}
		contentType := data.File.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ev, err := e.AttachEvidence(ctx, input.ClaimID, input.Kind, contentType, string(content), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvidenceResponse `json:"body"`
		}{Body: EvidenceResponse{
			EvidenceID:  ev.EvidenceID,
			ClaimID:     ev.ClaimID,
			Kind:        ev.Kind,
			ContentType: ev.ContentType,
			SubmittedAt: ev.SubmittedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-claim",
		Method:      http.MethodGet,
		Path:        "/claims/{claim_id}",
		Summary:     "Get a claim and its evidence",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ClaimID string `path:"claim_id"`
	}) (*struct {
		Body struct {
			Claim    ClaimResponse      `json:"claim"`
			Evidence []EvidenceResponse `json:"evidence"`
		} `json:"body"`
	}, error) {
		claim, err := e.Repo.GetClaim(ctx, input.ClaimID)
		if err != nil {
			return nil, handleError(err)
		}
		evidence, err := e.Repo.ListEvidence(ctx, input.ClaimID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EvidenceResponse, 0, len(evidence))
		for _, ev := range evidence {
			out = append(out, EvidenceResponse{
				EvidenceID:  ev.EvidenceID,
				ClaimID:     ev.ClaimID,
				Kind:        ev.Kind,
				ContentType: ev.ContentType,
				SubmittedAt: ev.SubmittedAt,
			})
		}
		resp := &struct {
			Body struct {
				Claim    ClaimResponse      `json:"claim"`
				Evidence []EvidenceResponse `json:"evidence"`
			} `json:"body"`
		}{}
		resp.Body.Claim = claimResponse(claim)
		resp.Body.Evidence = out
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-request-claims",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/claims",
		Summary:     "List claims filed against a request",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body struct {
			Claims []ClaimResponse `json:"claims"`
		} `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRequest(ctx, input.RequestID); err != nil {
			return nil, handleError(err)
		}
		claims, err := e.Repo.ListClaimsForRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ClaimResponse, 0, len(claims))
		for _, c := range claims {
			out = append(out, claimResponse(c))
		}
		resp := &struct {
			Body struct {
				Claims []ClaimResponse `json:"claims"`
			} `json:"body"`
		}{}
		resp.Body.Claims = out
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request-guarantee",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/guarantee",
		Summary:     "Get the guarantee record for a request",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body GuaranteeResponse `json:"body"`
	}, error) {
		rec, err := e.Repo.GetGuaranteeRecord(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuaranteeResponse `json:"body"`
		}{Body: GuaranteeResponse{
			RequestID:   rec.RequestID,
			Level:       rec.Level,
			MaxPayout:   rec.MaxPayout,
			PaidOut:     rec.PaidOut,
			WindowStart: rec.WindowStart,
			WindowEnd:   rec.WindowEnd,
			Status:      rec.Status,
		}}, nil
	})
}
