package notary

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"tlsn-host/shared"
	"tlsn-host/transcript"
	"tlsn-host/tunnel"
)

// startTLSBackend runs a local HTTPS server and a bridge in front of it,
// returning the bridge address and a cert pool trusting the server.
func startTLSBackend(t *testing.T, handler http.Handler) (bridgeAddr string, pool *x509.CertPool) {
	t.Helper()

	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)

	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split backend addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve bridge port: %v", err)
	}
	localPort := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	bridge := tunnel.NewBridge("127.0.0.1", tunnel.Spec{
		LocalPort:  localPort,
		RemoteHost: host,
		RemotePort: uint16(port),
	}, nil)
	if err := bridge.Start(); err != nil {
		t.Fatalf("bridge start: %v", err)
	}
	t.Cleanup(bridge.Stop)

	pool = x509.NewCertPool()
	pool.AddCert(server.Certificate())
	return bridge.Address(), pool
}

func initializedEngine(t *testing.T) *LocalEngine {
	t.Helper()
	engine := NewLocalEngine(nil)
	if err := engine.Init(); err != nil {
		t.Fatalf("engine init: %v", err)
	}
	return engine
}

func TestProverRoundTripThroughBridge(t *testing.T) {
	bridgeAddr, pool := startTLSBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"balance":42,"user":"alice"}`))
	}))

	engine := initializedEngine(t)
	prover, err := engine.NewProver(ProverConfig{
		ServerName:   "127.0.0.1",
		MaxRecvBytes: 8192,
		RootCAs:      pool,
	})
	if err != nil {
		t.Fatalf("new prover: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = prover.SendRequest(ctx, bridgeAddr, RequestSpec{
		URL:     "https://127.0.0.1/api/balance",
		Method:  "GET",
		Headers: map[string]string{"Authorization": "Bearer test_secret"},
	})
	if err != nil {
		t.Fatalf("send request: %v", err)
	}

	sent, recv := prover.Transcript()
	if !strings.Contains(string(sent), "GET /api/balance HTTP/1.1\r\n") {
		t.Errorf("sent transcript missing request line: %q", sent)
	}
	if !strings.Contains(string(sent), "Authorization: Bearer test_secret") {
		t.Errorf("sent transcript missing secret header")
	}
	if !strings.Contains(string(recv), `{"balance":42,"user":"alice"}`) {
		t.Errorf("recv transcript missing body: %q", recv)
	}

	// The captured response must parse as a complete transcript.
	if _, err := transcript.Parse(recv, transcript.Response); err != nil {
		t.Errorf("recv transcript does not parse: %v", err)
	}
}

func TestNotarizeAndVerifyRoundTrip(t *testing.T) {
	bridgeAddr, pool := startTLSBackend(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))

	engine := initializedEngine(t)
	prover, err := engine.NewProver(ProverConfig{ServerName: "127.0.0.1", RootCAs: pool})
	if err != nil {
		t.Fatalf("new prover: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := prover.SendRequest(ctx, bridgeAddr, RequestSpec{
		URL:     "https://127.0.0.1/",
		Method:  "GET",
		Headers: map[string]string{"Authorization": "Bearer test_secret"},
	}); err != nil {
		t.Fatalf("send request: %v", err)
	}

	sent, recv := prover.Transcript()
	commit := shared.Commit{
		Sent: []shared.ByteRange{{Start: 0, End: 10}},
		Recv: []shared.ByteRange{{Start: 0, End: len(recv)}},
	}
	out, err := prover.Notarize(ctx, commit)
	if err != nil {
		t.Fatalf("notarize: %v", err)
	}
	if len(out.Attestation) != 65 {
		t.Errorf("attestation length = %d, want 65", len(out.Attestation))
	}
	if len(out.Secrets) == 0 {
		t.Error("expected redacted spans as secrets")
	}
	if out.Document.Sent[:10] != string(sent[:10]) {
		t.Errorf("revealed prefix mismatch: %q", out.Document.Sent[:10])
	}
	if !strings.Contains(out.Document.Sent, "***") {
		t.Error("masked sent transcript has no redaction")
	}
	if strings.Contains(out.Document.Sent, "test_secret") {
		t.Error("secret leaked into masked transcript")
	}

	pres := BuildPresentation(out)
	presJSON, err := json.Marshal(pres)
	if err != nil {
		t.Fatalf("marshal presentation: %v", err)
	}

	verifier := &LocalVerifier{}
	verdict, err := verifier.Verify(presJSON)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verdict.IsValid {
		t.Error("verdict not valid")
	}
	if verdict.ServerName != "127.0.0.1" {
		t.Errorf("server name = %q", verdict.ServerName)
	}
	if verdict.NotaryPublicKey != engine.PublicKeyHex() {
		t.Errorf("notary key mismatch")
	}
}

func TestEngineInitCoalesces(t *testing.T) {
	engine := NewLocalEngine(nil)
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { done <- engine.Init() }()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Fatalf("init: %v", err)
		}
	}
	key := engine.PublicKeyHex()
	if key == "" {
		t.Fatal("no key after init")
	}
	if err := engine.Init(); err != nil || engine.PublicKeyHex() != key {
		t.Error("repeated init changed the key")
	}
}

func TestOpenSessionRequiresInit(t *testing.T) {
	engine := NewLocalEngine(nil)
	if _, err := engine.OpenSession(context.Background(), "https://notary.example"); err == nil {
		t.Error("expected error before init")
	}
	if _, err := engine.NewProver(ProverConfig{ServerName: "x"}); err == nil {
		t.Error("expected error before init")
	}
}

func TestOpenSessionURL(t *testing.T) {
	engine := initializedEngine(t)
	u, err := engine.OpenSession(context.Background(), "https://notary.example/v1/")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if !strings.HasPrefix(u, "https://notary.example/v1/sessions/") {
		t.Errorf("session url = %q", u)
	}
}
