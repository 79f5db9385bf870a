// Package session drives one full proof-generation session: acquire the
// bridge, exchange the HTTP request through it, decide what to reveal, build
// the commit and hand it to the notarization engine.
package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tlsn-host/commit"
	"tlsn-host/notary"
	"tlsn-host/shared"
	"tlsn-host/transcript"
)

// Call bundles everything one session needs: the notary endpoint, the server
// identity, the bridge to reach it through, the request to send, the secret
// fragments to redact from the sent direction and optional JSONPath reveal
// selections for the response body.
type Call struct {
	NotaryURL       string             `json:"notaryUrl"`
	ServerIdentity  string             `json:"serverIdentity"`
	BridgeAddress   string             `json:"bridgeAddress"`
	Request         notary.RequestSpec `json:"request"`
	Secrets         []string           `json:"-"`
	RevealJSONPaths []string           `json:"revealJsonPaths,omitempty"`
}

// Result is what a completed session yields.
type Result struct {
	ResponseBody     any                  `json:"responseBody"`
	Presentation     *notary.Presentation `json:"presentation"`
	PresentationJSON json.RawMessage      `json:"presentationJson"`
}

// revealableHeaders is the bounded subset of response headers disclosed by
// default. Everything else stays redacted.
var revealableHeaders = []string{"Content-Type", "Date", "Server", "Content-Length"}

const maxRevealedHeaders = 4

// Driver runs notarization sessions against a single engine. Engine
// initialization happens exactly once per process lifetime; concurrent first
// callers coalesce into a single initialization.
type Driver struct {
	engine       notary.Engine
	maxRecvBytes int
	logger       *shared.Logger

	initOnce sync.Once
	initErr  error
}

// NewDriver creates a Driver around the given engine.
func NewDriver(engine notary.Engine, maxRecvBytes int, logger *shared.Logger) *Driver {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Driver{engine: engine, maxRecvBytes: maxRecvBytes, logger: logger}
}

// Run executes the full session sequence. Any failure other than a JSON body
// parse aborts and propagates; the caller is responsible for releasing the
// tunnel either way.
func (d *Driver) Run(ctx context.Context, call Call) (*Result, error) {
	d.initOnce.Do(func() { d.initErr = d.engine.Init() })
	if d.initErr != nil {
		return nil, d.initErr
	}

	sessionURL, err := d.engine.OpenSession(ctx, call.NotaryURL)
	if err != nil {
		return nil, err
	}
	log := d.logger.With(zap.String("notary_session", sessionURL),
		zap.String("server", call.ServerIdentity))

	prover, err := d.engine.NewProver(notary.ProverConfig{
		ServerName:   call.ServerIdentity,
		MaxRecvBytes: d.maxRecvBytes,
	})
	if err != nil {
		return nil, err
	}

	if err := prover.SendRequest(ctx, call.BridgeAddress, call.Request); err != nil {
		return nil, err
	}
	sent, recv := prover.Transcript()
	log.Info("transcript captured",
		zap.Int("sent_bytes", len(sent)), zap.Int("recv_bytes", len(recv)))

	msg, err := transcript.Parse(recv, transcript.Response)
	if err != nil {
		return nil, err
	}

	responseBody, reveals := d.decideReveals(msg, call.RevealJSONPaths, log)

	cmt, err := commit.Build(sent, recv, call.Secrets, reveals, log)
	if err != nil {
		return nil, err
	}

	out, err := prover.Notarize(ctx, cmt)
	if err != nil {
		return nil, err
	}
	out.NotaryURL = sessionURL

	pres := notary.BuildPresentation(out)
	presJSON, err := json.Marshal(pres)
	if err != nil {
		return nil, err
	}

	log.Info("session complete", zap.Int("revealed_fragments", len(reveals)))
	return &Result{
		ResponseBody:     responseBody,
		Presentation:     pres,
		PresentationJSON: presJSON,
	}, nil
}

// decideReveals selects the response fragments to disclose: the status line,
// a bounded allowlisted subset of header lines and the flattened JSON body.
// A body that fails to parse as JSON is non-fatal: the session still proves
// opaque content, with the raw string as the caller-visible response body.
func (d *Driver) decideReveals(msg *transcript.Message, jsonPaths []string, log *zap.Logger) (any, []string) {
	reveals := []string{strings.TrimSuffix(msg.StartLine, "\r\n")}

	revealed := 0
	for i := 0; i < msg.HeaderCount() && revealed < maxRevealedHeaders; i++ {
		name := msg.Headers[2*i]
		for _, allowed := range revealableHeaders {
			if strings.EqualFold(name, allowed) {
				reveals = append(reveals, msg.HeaderLine(i))
				revealed++
				break
			}
		}
	}

	body := msg.Body()
	if len(body) == 0 {
		return nil, reveals
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		log.Warn("response body is not JSON, proving opaque content", zap.Error(err))
		return map[string]string{"raw": string(body)}, reveals
	}

	frags, err := commit.FlattenJSON(body)
	if err != nil {
		log.Warn("failed to flatten response body", zap.Error(err))
	} else {
		reveals = append(reveals, frags...)
	}

	for _, path := range jsonPaths {
		ranges, err := commit.JSONPathRanges(body, path)
		if err != nil {
			log.Warn("reveal jsonPath did not resolve, dropping",
				zap.String("jsonPath", path), zap.Error(err))
			continue
		}
		for _, r := range ranges {
			reveals = append(reveals, string(body[r.Start:r.End]))
		}
	}

	return parsed, reveals
}
