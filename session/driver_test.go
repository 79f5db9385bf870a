package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"tlsn-host/notary"
	"tlsn-host/shared"
)

// fakeProver replays canned transcripts and records the commit it is asked
// to notarize.
type fakeProver struct {
	sent, recv []byte
	sendErr    error

	commit *shared.Commit
}

func (p *fakeProver) SendRequest(ctx context.Context, bridgeAddr string, req notary.RequestSpec) error {
	return p.sendErr
}

func (p *fakeProver) Transcript() ([]byte, []byte) { return p.sent, p.recv }

func (p *fakeProver) Notarize(ctx context.Context, commit shared.Commit) (*notary.NotarizeOutput, error) {
	p.commit = &commit
	return &notary.NotarizeOutput{
		Attestation:     bytes.Repeat([]byte{0xab}, 65),
		NotaryPublicKey: "02deadbeef",
		Document: notary.AttestedDocument{
			ServerName: "api.example.com",
			Time:       1700000000,
			Sent:       string(p.sent),
			Recv:       string(p.recv),
			SentRanges: commit.Sent,
			RecvRanges: commit.Recv,
		},
	}, nil
}

type fakeEngine struct {
	mu        sync.Mutex
	initCalls int
	initErr   error
	prover    *fakeProver
}

func (e *fakeEngine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initCalls++
	return e.initErr
}

func (e *fakeEngine) OpenSession(ctx context.Context, notaryURL string) (string, error) {
	return notaryURL + "/sessions/fake", nil
}

func (e *fakeEngine) NewProver(cfg notary.ProverConfig) (notary.Prover, error) {
	return e.prover, nil
}

func responseTranscript(body string) []byte {
	return []byte(fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body))
}

func covers(ranges []shared.ByteRange, start, end int) bool {
	for _, r := range ranges {
		if r.Start <= start && end <= r.End {
			return true
		}
	}
	return false
}

func TestRunProducesPresentationAndParsedBody(t *testing.T) {
	sent := []byte("GET /api HTTP/1.1\r\nHost: api.example.com\r\nAuthorization: Bearer token123\r\n\r\n")
	recv := responseTranscript(`{"balance":42,"user":"alice"}`)
	engine := &fakeEngine{prover: &fakeProver{sent: sent, recv: recv}}
	driver := NewDriver(engine, 16384, nil)

	result, err := driver.Run(context.Background(), Call{
		NotaryURL:      "https://notary.example",
		ServerIdentity: "api.example.com",
		BridgeAddress:  "ws://127.0.0.1:9001",
		Request:        notary.RequestSpec{URL: "https://api.example.com/api", Method: "GET"},
		Secrets:        []string{"token123"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	body, ok := result.ResponseBody.(map[string]any)
	if !ok || body["user"] != "alice" {
		t.Errorf("response body = %#v", result.ResponseBody)
	}
	if result.Presentation == nil || len(result.PresentationJSON) == 0 {
		t.Fatal("missing presentation")
	}
	if result.Presentation.NotaryURL != "https://notary.example/sessions/fake" {
		t.Errorf("notary url = %q", result.Presentation.NotaryURL)
	}

	commit := engine.prover.commit
	if commit == nil {
		t.Fatal("nothing notarized")
	}
	// The secret must not fall inside any disclosed sent range.
	secretAt := bytes.Index(sent, []byte("token123"))
	for _, r := range commit.Sent {
		if r.Start < secretAt+len("token123") && secretAt < r.End {
			t.Errorf("secret bytes disclosed by range %+v", r)
		}
	}
	// The status line and the JSON leaves must be disclosed.
	if !covers(commit.Recv, 0, len("HTTP/1.1 200 OK")) {
		t.Errorf("status line not disclosed: %+v", commit.Recv)
	}
	userAt := bytes.Index(recv, []byte(`"user":"alice"`))
	if !covers(commit.Recv, userAt, userAt+len(`"user":"alice"`)) {
		t.Errorf("json leaf not disclosed: %+v", commit.Recv)
	}
}

func TestRunNonJSONBodyIsNonFatal(t *testing.T) {
	engine := &fakeEngine{prover: &fakeProver{
		sent: []byte("GET / HTTP/1.1\r\n\r\n"),
		recv: responseTranscript("hello, plain text"),
	}}
	driver := NewDriver(engine, 16384, nil)

	result, err := driver.Run(context.Background(), Call{
		NotaryURL:      "https://notary.example",
		ServerIdentity: "api.example.com",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	body, ok := result.ResponseBody.(map[string]string)
	if !ok || body["raw"] != "hello, plain text" {
		t.Errorf("response body = %#v", result.ResponseBody)
	}
}

func TestRunJSONPathReveal(t *testing.T) {
	// Array elements are not flattened, so only the JSONPath selection can
	// disclose them.
	recv := responseTranscript(`{"tags":["alpha","beta"]}`)
	engine := &fakeEngine{prover: &fakeProver{
		sent: []byte("GET / HTTP/1.1\r\n\r\n"),
		recv: recv,
	}}
	driver := NewDriver(engine, 16384, nil)

	_, err := driver.Run(context.Background(), Call{
		NotaryURL:       "https://notary.example",
		ServerIdentity:  "api.example.com",
		RevealJSONPaths: []string{"$.tags[0]"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	commit := engine.prover.commit
	alphaAt := bytes.Index(recv, []byte(`"alpha"`))
	if !covers(commit.Recv, alphaAt, alphaAt+len(`"alpha"`)) {
		t.Errorf("jsonPath selection not disclosed: %+v", commit.Recv)
	}
	if betaAt := bytes.Index(recv, []byte(`"beta"`)); covers(commit.Recv, betaAt, betaAt+len(`"beta"`)) {
		t.Errorf("unselected element disclosed: %+v", commit.Recv)
	}
}

func TestRunUnresolvedJSONPathIsDropped(t *testing.T) {
	engine := &fakeEngine{prover: &fakeProver{
		sent: []byte("GET / HTTP/1.1\r\n\r\n"),
		recv: responseTranscript(`{"a":1}`),
	}}
	driver := NewDriver(engine, 16384, nil)

	if _, err := driver.Run(context.Background(), Call{
		NotaryURL:       "https://notary.example",
		ServerIdentity:  "api.example.com",
		RevealJSONPaths: []string{"$.missing.deeply"},
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunMissingSecretFails(t *testing.T) {
	engine := &fakeEngine{prover: &fakeProver{
		sent: []byte("GET / HTTP/1.1\r\n\r\n"),
		recv: responseTranscript(`{"a":1}`),
	}}
	driver := NewDriver(engine, 16384, nil)

	_, err := driver.Run(context.Background(), Call{
		NotaryURL:      "https://notary.example",
		ServerIdentity: "api.example.com",
		Secrets:        []string{"never-sent"},
	})
	if !shared.IsCode(err, shared.CodeFragmentNotFound) {
		t.Errorf("error = %v, want FRAGMENT_NOT_FOUND", err)
	}
}

func TestRunMalformedResponseFails(t *testing.T) {
	engine := &fakeEngine{prover: &fakeProver{
		sent: []byte("GET / HTTP/1.1\r\n\r\n"),
		recv: []byte("HTTP/1.1 200 OK"),
	}}
	driver := NewDriver(engine, 16384, nil)

	_, err := driver.Run(context.Background(), Call{
		NotaryURL:      "https://notary.example",
		ServerIdentity: "api.example.com",
	})
	if !shared.IsCode(err, shared.CodeMalformedTranscript) {
		t.Errorf("error = %v, want MALFORMED_TRANSCRIPT", err)
	}
}

func TestRunInitializesEngineOnce(t *testing.T) {
	engine := &fakeEngine{prover: &fakeProver{
		sent: []byte("GET / HTTP/1.1\r\n\r\n"),
		recv: responseTranscript(`{"a":1}`),
	}}
	driver := NewDriver(engine, 16384, nil)

	for i := 0; i < 3; i++ {
		if _, err := driver.Run(context.Background(), Call{
			NotaryURL:      "https://notary.example",
			ServerIdentity: "api.example.com",
		}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if engine.initCalls != 1 {
		t.Errorf("init calls = %d, want 1", engine.initCalls)
	}
}

func TestRunInitFailureIsSticky(t *testing.T) {
	engine := &fakeEngine{initErr: errors.New("no entropy"), prover: &fakeProver{}}
	driver := NewDriver(engine, 16384, nil)

	for i := 0; i < 2; i++ {
		_, err := driver.Run(context.Background(), Call{NotaryURL: "https://n"})
		if err == nil || !strings.Contains(err.Error(), "no entropy") {
			t.Errorf("run %d: error = %v", i, err)
		}
	}
	if engine.initCalls != 1 {
		t.Errorf("init calls = %d, want 1", engine.initCalls)
	}
}
