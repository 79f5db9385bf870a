package notary

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tlsn-host/shared"
)

const defaultMaxRecvBytes = 16384

// LocalEngine is the embedded notarization engine. It holds the notary
// signing key and produces secp256k1 attestations over disclosed transcripts.
type LocalEngine struct {
	initOnce sync.Once
	initErr  error
	key      *ecdsa.PrivateKey
	logger   *shared.Logger
}

// NewLocalEngine creates an engine; Init must run before provers are used.
func NewLocalEngine(logger *shared.Logger) *LocalEngine {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &LocalEngine{logger: logger}
}

// Init generates the notary signing key exactly once per process lifetime.
func (e *LocalEngine) Init() error {
	e.initOnce.Do(func() {
		key, err := crypto.GenerateKey()
		if err != nil {
			e.initErr = fmt.Errorf("failed to generate notary signing key: %w", err)
			return
		}
		e.key = key
		e.logger.Info("notarization engine initialized",
			zap.String("notary_public_key", e.PublicKeyHex()))
	})
	return e.initErr
}

// PublicKeyHex returns the notary's compressed public key.
func (e *LocalEngine) PublicKeyHex() string {
	if e.key == nil {
		return ""
	}
	return hex.EncodeToString(crypto.CompressPubkey(&e.key.PublicKey))
}

// OpenSession allocates a session URL under the notary endpoint.
func (e *LocalEngine) OpenSession(ctx context.Context, notaryURL string) (string, error) {
	if e.key == nil {
		return "", fmt.Errorf("engine not initialized")
	}
	return strings.TrimRight(notaryURL, "/") + "/sessions/" + uuid.NewString(), nil
}

// NewProver sets up a prover bound to the given server identity.
func (e *LocalEngine) NewProver(cfg ProverConfig) (Prover, error) {
	if e.key == nil {
		return nil, fmt.Errorf("engine not initialized")
	}
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("server identity is required")
	}
	if cfg.MaxRecvBytes <= 0 {
		cfg.MaxRecvBytes = defaultMaxRecvBytes
	}
	return &localProver{engine: e, cfg: cfg}, nil
}

var _ Engine = (*LocalEngine)(nil)

type localProver struct {
	engine *LocalEngine
	cfg    ProverConfig

	bridgeAddr string
	sent       []byte
	recv       []byte
}

// SendRequest dials the bridge, runs a TLS handshake bound to the server
// identity, transmits the HTTP request and captures both plaintext
// transcripts. The response read is bounded by MaxRecvBytes.
func (p *localProver) SendRequest(ctx context.Context, bridgeAddr string, req RequestSpec) error {
	reqBytes, err := buildRequestBytes(req)
	if err != nil {
		return err
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, bridgeAddr, nil)
	if err != nil {
		return fmt.Errorf("failed to dial bridge %s: %w", bridgeAddr, err)
	}
	conn := newWSConn(ws)
	defer conn.Close()

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         p.cfg.ServerName,
		RootCAs:            p.cfg.RootCAs,
		InsecureSkipVerify: p.cfg.InsecureSkipVerify,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake with %s failed: %w", p.cfg.ServerName, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = tlsConn.SetDeadline(deadline)
	}
	if _, err := tlsConn.Write(reqBytes); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	recv, err := io.ReadAll(io.LimitReader(tlsConn, int64(p.cfg.MaxRecvBytes)))
	if err != nil && len(recv) == 0 {
		return fmt.Errorf("failed to read response: %w", err)
	}

	p.bridgeAddr = bridgeAddr
	p.sent = reqBytes
	p.recv = recv
	return nil
}

// Transcript returns the raw plaintext byte transcripts of the exchange.
func (p *localProver) Transcript() (sent, recv []byte) {
	return p.sent, p.recv
}

// Notarize signs the disclosed view of the transcripts described by the
// commit and returns the attestation material.
func (p *localProver) Notarize(ctx context.Context, commit shared.Commit) (*NotarizeOutput, error) {
	if p.sent == nil {
		return nil, fmt.Errorf("no transcript captured")
	}

	doc := AttestedDocument{
		Version:    attestedDocumentVersion,
		ServerName: p.cfg.ServerName,
		Time:       time.Now().Unix(),
		Sent:       maskTranscript(p.sent, commit.Sent),
		Recv:       maskTranscript(p.recv, commit.Recv),
		SentRanges: commit.Sent,
		RecvRanges: commit.Recv,
	}
	payload, err := doc.canonicalBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize attested document: %w", err)
	}

	// Ethereum-style message signing: prefix hash plus recoverable signature.
	hash := accounts.TextHash(payload)
	signature, err := crypto.Sign(hash, p.engine.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign attested document: %w", err)
	}

	return &NotarizeOutput{
		Attestation:     signature,
		NotaryPublicKey: p.engine.PublicKeyHex(),
		Secrets:         redactedSpans(p.sent, commit.Sent),
		BridgeAddress:   p.bridgeAddr,
		Document:        doc,
	}, nil
}

// buildRequestBytes renders an HTTP/1.1 request with explicit framing so the
// response always terminates: Connection close and identity encoding.
func buildRequestBytes(req RequestSpec) ([]byte, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}

	lines := []string{
		fmt.Sprintf("%s %s HTTP/1.1", method, target),
		fmt.Sprintf("Host: %s", u.Host),
		fmt.Sprintf("Content-Length: %d", len(req.Body)),
		"Connection: close",
		"Accept-Encoding: identity",
	}
	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%s: %s", name, req.Headers[name]))
	}
	lines = append(lines, "", "")

	return append([]byte(strings.Join(lines, "\r\n")), []byte(req.Body)...), nil
}

func encodeHex(b []byte) string { return hex.EncodeToString(b) }
