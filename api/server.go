// Package api exposes the tunnel registry and proof-record store over HTTP:
// typed REST operations plus a websocket snapshot feed for record observers.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tlsn-host/records"
	"tlsn-host/shared"
	"tlsn-host/tunnel"
)

// TunnelService is the tunnel-manager surface the API serves.
type TunnelService interface {
	Create(spec tunnel.Spec) (tunnel.Tunnel, error)
	Get(id string) (tunnel.Tunnel, error)
	List() []tunnel.Tunnel
	Update(id string, spec tunnel.Spec) (tunnel.Tunnel, error)
	Delete(id string) error
	DeleteAll()
}

// RecordService is the proof-record surface the API serves.
type RecordService interface {
	Submit(form records.FormData) (records.ProofRecord, error)
	Verify(id string) (records.ProofRecord, error)
	Get(id string) (records.ProofRecord, error)
	List() []records.ProofRecord
	Delete(id string) error
	Subscribe() (<-chan []records.ProofRecord, func())
}

// Config tunes the HTTP surface.
type Config struct {
	CORSOrigin string
}

// NewServer assembles the router: middleware, typed operations, the websocket
// feed and the health probe.
func NewServer(tunnels TunnelService, recs RecordService, cfg Config, logger *shared.Logger) http.Handler {
	if logger == nil {
		logger = shared.NewNopLogger()
	}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	if cfg.CORSOrigin != "" {
		router.Use(corsMiddleware(cfg.CORSOrigin))
	}

	humaCfg := huma.DefaultConfig("TLS Notarization Host API", "1.0.0")
	api := humachi.New(router, humaCfg)

	registerTunnelHandlers(api, tunnels)
	registerRecordHandlers(api, recs)

	router.Get("/ws", recordFeedHandler(recs, logger))

	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Liveness probe", Tags: []string{"System"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *shared.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case shared.CodeValidation, shared.CodeInvalidHost:
			return huma.Error400BadRequest(coded.Message)
		case shared.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case shared.CodeConflict, shared.CodeInvalidState:
			return huma.Error409Conflict(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
