package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"tlsn-host/tunnel"
)

func registerTunnelHandlers(api huma.API, svc TunnelService) {
	type tunnelSpecBody struct {
		LocalPort  uint16 `json:"localPort" required:"true"`
		RemoteHost string `json:"remoteHost" required:"true"`
		RemotePort uint16 `json:"remotePort" required:"true"`
	}
	toSpec := func(b tunnelSpecBody) tunnel.Spec {
		return tunnel.Spec{LocalPort: b.LocalPort, RemoteHost: b.RemoteHost, RemotePort: b.RemotePort}
	}

	type tunnelOutput struct {
		Body tunnel.Tunnel
	}
	type tunnelIDInput struct {
		ID string `path:"id"`
	}

	type listTunnelsOutput struct {
		Body struct {
			Tunnels []tunnel.Tunnel `json:"tunnels"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tunnels", Method: http.MethodGet, Path: "/tunnels", Summary: "List live tunnels", Tags: []string{"Tunnels"}},
		func(ctx context.Context, input *struct{}) (*listTunnelsOutput, error) {
			out := &listTunnelsOutput{}
			out.Body.Tunnels = svc.List()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-tunnel", Method: http.MethodGet, Path: "/tunnels/{id}", Summary: "Get one tunnel", Tags: []string{"Tunnels"}},
		func(ctx context.Context, input *tunnelIDInput) (*tunnelOutput, error) {
			tn, err := svc.Get(input.ID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tunnelOutput{Body: tn}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "create-tunnel", Method: http.MethodPost, Path: "/tunnels", DefaultStatus: http.StatusCreated, Summary: "Create a tunnel", Tags: []string{"Tunnels"}},
		func(ctx context.Context, input *struct {
			Body tunnelSpecBody
		}) (*tunnelOutput, error) {
			tn, err := svc.Create(toSpec(input.Body))
			if err != nil {
				return nil, mapErr(err)
			}
			return &tunnelOutput{Body: tn}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "update-tunnel", Method: http.MethodPut, Path: "/tunnels/{id}", Summary: "Replace a tunnel's spec", Tags: []string{"Tunnels"}},
		func(ctx context.Context, input *struct {
			tunnelIDInput
			Body tunnelSpecBody
		}) (*tunnelOutput, error) {
			tn, err := svc.Update(input.ID, toSpec(input.Body))
			if err != nil {
				return nil, mapErr(err)
			}
			return &tunnelOutput{Body: tn}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "delete-tunnel", Method: http.MethodDelete, Path: "/tunnels/{id}", DefaultStatus: http.StatusNoContent, Summary: "Delete a tunnel", Tags: []string{"Tunnels"}},
		func(ctx context.Context, input *tunnelIDInput) (*struct{}, error) {
			if err := svc.Delete(input.ID); err != nil {
				return nil, mapErr(err)
			}
			return &struct{}{}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "delete-all-tunnels", Method: http.MethodDelete, Path: "/tunnels", DefaultStatus: http.StatusNoContent, Summary: "Delete all tunnels", Tags: []string{"Tunnels"}},
		func(ctx context.Context, input *struct{}) (*struct{}, error) {
			svc.DeleteAll()
			return &struct{}{}, nil
		})
}
