// Package notary defines the boundary to the cryptographic notarization
// engine and ships an embedded engine: a prover that performs a real TLS
// exchange through a tunnel bridge and attests the disclosed transcript
// ranges with a secp256k1 signature.
package notary

import (
	"context"
	"crypto/x509"

	"tlsn-host/shared"
)

// RequestSpec describes the HTTP request a prover transmits over the bridge.
type RequestSpec struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ProverConfig binds a prover to a server identity and bounds its receive
// buffer. The TLS options exist for tests against local servers.
type ProverConfig struct {
	ServerName         string
	MaxRecvBytes       int
	RootCAs            *x509.CertPool
	InsecureSkipVerify bool
}

// NotarizeOutput is the attestation material produced for one commit.
type NotarizeOutput struct {
	Attestation     []byte
	NotaryPublicKey string
	Secrets         [][]byte // redacted sent spans, never part of the presentation
	NotaryURL       string
	BridgeAddress   string
	Document        AttestedDocument
}

// PresentationOutput is the verifier's verdict over a serialized presentation.
type PresentationOutput struct {
	IsValid         bool   `json:"isValid"`
	ServerName      string `json:"serverName"`
	VerifyingKey    string `json:"verifyingKey"`
	NotaryPublicKey string `json:"notaryPublicKey"`
	Time            int64  `json:"time"`
	Sent            string `json:"sent"`
	Recv            string `json:"recv"`
}

// Engine opens notary sessions and hands out provers.
type Engine interface {
	// Init performs one-time setup. Callers coalesce concurrent first calls.
	Init() error
	OpenSession(ctx context.Context, notaryURL string) (string, error)
	NewProver(cfg ProverConfig) (Prover, error)
}

// Prover drives one observed HTTP exchange and notarizes its commit.
type Prover interface {
	SendRequest(ctx context.Context, bridgeAddr string, req RequestSpec) error
	Transcript() (sent, recv []byte)
	Notarize(ctx context.Context, commit shared.Commit) (*NotarizeOutput, error)
}

// Verifier checks a serialized presentation against the notary's public key.
type Verifier interface {
	Verify(presentationJSON []byte) (*PresentationOutput, error)
}
