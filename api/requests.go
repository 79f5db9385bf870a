package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"tlsn-host/records"
)

func registerRecordHandlers(api huma.API, svc RecordService) {
	type recordOutput struct {
		Body records.ProofRecord
	}
	type recordIDInput struct {
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{OperationID: "submit-request", Method: http.MethodPost, Path: "/requests", DefaultStatus: http.StatusAccepted, Summary: "Submit a notarization request", Tags: []string{"Requests"}},
		func(ctx context.Context, input *struct {
			Body records.FormData
		}) (*recordOutput, error) {
			rec, err := svc.Submit(input.Body)
			if err != nil {
				return nil, mapErr(err)
			}
			return &recordOutput{Body: rec}, nil
		})

	type listRecordsOutput struct {
		Body struct {
			Records []records.ProofRecord `json:"records"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-requests", Method: http.MethodGet, Path: "/requests", Summary: "List proof records", Tags: []string{"Requests"}},
		func(ctx context.Context, input *struct{}) (*listRecordsOutput, error) {
			out := &listRecordsOutput{}
			out.Body.Records = svc.List()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-request", Method: http.MethodGet, Path: "/requests/{id}", Summary: "Get one proof record", Tags: []string{"Requests"}},
		func(ctx context.Context, input *recordIDInput) (*recordOutput, error) {
			rec, err := svc.Get(input.ID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &recordOutput{Body: rec}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "verify-request", Method: http.MethodPost, Path: "/requests/{id}/verify", DefaultStatus: http.StatusAccepted, Summary: "Verify a received proof record", Tags: []string{"Requests"}},
		func(ctx context.Context, input *recordIDInput) (*recordOutput, error) {
			rec, err := svc.Verify(input.ID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &recordOutput{Body: rec}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "delete-request", Method: http.MethodDelete, Path: "/requests/{id}", DefaultStatus: http.StatusNoContent, Summary: "Delete a proof record", Tags: []string{"Requests"}},
		func(ctx context.Context, input *recordIDInput) (*struct{}, error) {
			if err := svc.Delete(input.ID); err != nil {
				return nil, mapErr(err)
			}
			return &struct{}{}, nil
		})
}
