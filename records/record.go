// Package records owns the proof-record lifecycle: a record is created on
// submission, driven through tunnel acquisition and a notarization session by
// asynchronous continuations, and later verified on demand. Observers only
// ever see immutable snapshots.
package records

import (
	"time"

	"tlsn-host/notary"
	"tlsn-host/session"
	"tlsn-host/tunnel"
)

// Status is the lifecycle state of a proof record.
//
// Sending → Received | Error on the generation path;
// Received → Pending → Verified | Failed on the verification path, with
// Failed re-verifiable.
type Status string

const (
	StatusSending  Status = "Sending"
	StatusReceived Status = "Received"
	StatusPending  Status = "Pending"
	StatusVerified Status = "Verified"
	StatusFailed   Status = "Failed"
	StatusError    Status = "Error"
)

// FormData is the user-facing submission form: the tunnel to open and the
// request to notarize through it.
type FormData struct {
	LocalPort       uint16            `json:"localPort"`
	RemoteHost      string            `json:"remoteHost"`
	RemotePort      uint16            `json:"remotePort"`
	URL             string            `json:"url"`
	Method          string            `json:"method,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	NotaryURL       string            `json:"notaryUrl,omitempty"`
	Secrets         []string          `json:"secrets,omitempty"`
	RevealJSONPaths []string          `json:"revealJsonPaths,omitempty"`
}

func (f FormData) clone() FormData {
	cp := f
	if f.Headers != nil {
		cp.Headers = make(map[string]string, len(f.Headers))
		for k, v := range f.Headers {
			cp.Headers[k] = v
		}
	}
	cp.Secrets = append([]string(nil), f.Secrets...)
	cp.RevealJSONPaths = append([]string(nil), f.RevealJSONPaths...)
	return cp
}

// ProofRecord is the aggregate root of one notarization: the submitted form,
// the tunnel it acquired, the session call and its outcome, and the optional
// verification verdict.
type ProofRecord struct {
	ID                 string                     `json:"id"`
	Status             Status                     `json:"status"`
	Timestamp          time.Time                  `json:"timestamp"`
	FormData           FormData                   `json:"formData"`
	TunnelRequest      tunnel.Spec                `json:"tunnelRequest"`
	TunnelResult       *tunnel.Tunnel             `json:"tunnelResult,omitempty"`
	NotarizationCall   *session.Call              `json:"notarizationCall,omitempty"`
	NotarizationResult *session.Result            `json:"notarizationResult,omitempty"`
	VerificationResult *notary.PresentationOutput `json:"verificationResult,omitempty"`
	Error              string                     `json:"error,omitempty"`
}

// clone produces a snapshot safe to hand to observers. Presentation and
// verification outputs are never mutated after attachment, so sharing those
// pointers' targets is safe; everything mutable is copied.
func (r *ProofRecord) clone() ProofRecord {
	cp := *r
	cp.FormData = r.FormData.clone()
	if r.TunnelResult != nil {
		t := *r.TunnelResult
		cp.TunnelResult = &t
	}
	if r.NotarizationCall != nil {
		c := *r.NotarizationCall
		if r.NotarizationCall.Request.Headers != nil {
			c.Request.Headers = make(map[string]string, len(r.NotarizationCall.Request.Headers))
			for k, v := range r.NotarizationCall.Request.Headers {
				c.Request.Headers[k] = v
			}
		}
		c.Secrets = append([]string(nil), r.NotarizationCall.Secrets...)
		c.RevealJSONPaths = append([]string(nil), r.NotarizationCall.RevealJSONPaths...)
		cp.NotarizationCall = &c
	}
	if r.NotarizationResult != nil {
		res := *r.NotarizationResult
		res.PresentationJSON = append([]byte(nil), r.NotarizationResult.PresentationJSON...)
		cp.NotarizationResult = &res
	}
	if r.VerificationResult != nil {
		v := *r.VerificationResult
		cp.VerificationResult = &v
	}
	return cp
}
