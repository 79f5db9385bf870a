package notary

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"tlsn-host/shared"
)

// signedPresentation produces a presentation without any network traffic by
// loading the prover with a synthetic transcript.
func signedPresentation(t *testing.T, engine *LocalEngine) *Presentation {
	t.Helper()
	prover := &localProver{
		engine:     engine,
		cfg:        ProverConfig{ServerName: "api.example.com", MaxRecvBytes: defaultMaxRecvBytes},
		bridgeAddr: "ws://127.0.0.1:9001",
		sent:       []byte("GET / HTTP/1.1\r\nAuthorization: Bearer shhh\r\n\r\n"),
		recv:       []byte("HTTP/1.1 200 OK\r\n\r\n{\"a\":1}"),
	}
	commit := shared.Commit{
		Sent: []shared.ByteRange{{Start: 0, End: 16}},
		Recv: []shared.ByteRange{{Start: 0, End: 15}},
	}
	out, err := prover.Notarize(context.Background(), commit)
	if err != nil {
		t.Fatalf("notarize: %v", err)
	}
	out.NotaryURL = "https://notary.example/sessions/abc"
	return BuildPresentation(out)
}

func TestVerifyAcceptsGenuinePresentation(t *testing.T) {
	engine := initializedEngine(t)
	pres := signedPresentation(t, engine)
	raw, _ := json.Marshal(pres)

	verdict, err := (&LocalVerifier{}).Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verdict.IsValid || verdict.ServerName != "api.example.com" {
		t.Errorf("verdict = %+v", verdict)
	}
}

func TestVerifyRejectsTamperedTranscript(t *testing.T) {
	engine := initializedEngine(t)
	pres := signedPresentation(t, engine)
	pres.Recv = "HTTP/1.1 200 OK\r\n\r\n{\"a\":2}"
	raw, _ := json.Marshal(pres)

	if _, err := (&LocalVerifier{}).Verify(raw); !shared.IsCode(err, shared.CodeVerification) {
		t.Errorf("error = %v, want VERIFICATION", err)
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	engine := initializedEngine(t)
	pres := signedPresentation(t, engine)

	otherKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	verifier := &LocalVerifier{TrustedKey: encodeHex(crypto.CompressPubkey(&otherKey.PublicKey))}

	raw, _ := json.Marshal(pres)
	if _, err := verifier.Verify(raw); !shared.IsCode(err, shared.CodeVerification) {
		t.Errorf("error = %v, want VERIFICATION", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	if _, err := (&LocalVerifier{}).Verify([]byte("{not json")); !shared.IsCode(err, shared.CodeVerification) {
		t.Errorf("error = %v, want VERIFICATION", err)
	}
	if _, err := (&LocalVerifier{}).Verify([]byte(`{"version":"99"}`)); !shared.IsCode(err, shared.CodeVerification) {
		t.Errorf("error = %v, want VERIFICATION", err)
	}
}

func TestMaskTranscript(t *testing.T) {
	buf := []byte("abcdefgh")
	masked := maskTranscript(buf, []shared.ByteRange{{Start: 2, End: 4}})
	if masked != "**cd****" {
		t.Errorf("masked = %q", masked)
	}
}

func TestRedactedSpans(t *testing.T) {
	buf := []byte("abcdefgh")
	spans := redactedSpans(buf, []shared.ByteRange{{Start: 2, End: 4}})
	if len(spans) != 2 || string(spans[0]) != "ab" || string(spans[1]) != "efgh" {
		t.Errorf("spans = %q", spans)
	}
}
