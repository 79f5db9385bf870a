package records

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tlsn-host/notary"
	"tlsn-host/session"
	"tlsn-host/shared"
	"tlsn-host/tunnel"
)

// TunnelRegistry is the slice of the tunnel manager the store depends on.
type TunnelRegistry interface {
	Create(spec tunnel.Spec) (tunnel.Tunnel, error)
	List() []tunnel.Tunnel
	Delete(id string) error
}

// SessionRunner runs one notarization session end to end.
type SessionRunner interface {
	Run(ctx context.Context, call session.Call) (*session.Result, error)
}

// Options tunes the store's async behavior.
type Options struct {
	DefaultNotaryURL    string
	ConflictRetryBudget int           // automatic cleanup-and-resubmit cycles per conflict
	ConflictRetryDelay  time.Duration // pause between cleanup and resubmission
}

const subscriberBuffer = 8

// Store is the proof-record registry and state machine. All mutations happen
// under the mutex through Store methods; every mutation is followed by a
// full-snapshot broadcast to subscribers.
type Store struct {
	tunnels  TunnelRegistry
	driver   SessionRunner
	verifier notary.Verifier
	opts     Options
	logger   *shared.Logger

	mu      sync.Mutex
	records map[string]*ProofRecord
	order   []string
	subs    map[int]chan []ProofRecord
	nextSub int
}

// NewStore wires the record state machine to its collaborators.
func NewStore(tunnels TunnelRegistry, driver SessionRunner, verifier notary.Verifier, opts Options, logger *shared.Logger) *Store {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	if opts.ConflictRetryBudget < 0 {
		opts.ConflictRetryBudget = 0
	}
	if opts.ConflictRetryDelay <= 0 {
		opts.ConflictRetryDelay = 500 * time.Millisecond
	}
	return &Store{
		tunnels:  tunnels,
		driver:   driver,
		verifier: verifier,
		opts:     opts,
		logger:   logger,
		records:  make(map[string]*ProofRecord),
		subs:     make(map[int]chan []ProofRecord),
	}
}

// Subscribe registers a snapshot feed. The current record list is delivered
// immediately, then a full snapshot after every mutation. Delivery is
// non-blocking: a subscriber that stops draining misses intermediate
// snapshots but always receives a later complete one. The returned function
// cancels the subscription and closes the channel.
func (s *Store) Subscribe() (<-chan []ProofRecord, func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan []ProofRecord, subscriberBuffer)
	s.subs[id] = ch
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Submit validates the form, creates the record in Sending and kicks off the
// async tunnel-then-session chain. The returned snapshot is the record as of
// creation; later progress arrives via the subscription feed.
func (s *Store) Submit(form FormData) (ProofRecord, error) {
	if err := validateForm(form); err != nil {
		return ProofRecord{}, err
	}

	spec := tunnel.Spec{
		LocalPort:  form.LocalPort,
		RemoteHost: form.RemoteHost,
		RemotePort: form.RemotePort,
	}
	rec := &ProofRecord{
		ID:            uuid.NewString(),
		Status:        StatusSending,
		Timestamp:     time.Now().UTC(),
		FormData:      form.clone(),
		TunnelRequest: spec,
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	snap := rec.clone()
	s.mu.Unlock()
	s.broadcast()

	s.logger.WithRecord(rec.ID).Info("record submitted",
		zap.String("remote_host", spec.RemoteHost), zap.Uint16("local_port", spec.LocalPort))
	go s.acquireTunnel(rec.ID, spec, form, s.opts.ConflictRetryBudget)

	return snap, nil
}

// acquireTunnel is the tunnel-creation continuation. A CONFLICT consumes one
// unit of the retry budget: delete every live tunnel with the same spec
// triple, pause, resubmit. Any other failure, or an exhausted budget, is
// terminal for the record.
func (s *Store) acquireTunnel(recordID string, spec tunnel.Spec, form FormData, retriesLeft int) {
	log := s.logger.WithRecord(recordID)

	tn, err := s.tunnels.Create(spec)
	if err != nil {
		if shared.IsCode(err, shared.CodeConflict) && retriesLeft > 0 {
			log.Warn("tunnel conflict, cleaning up and resubmitting",
				zap.Int("retries_left", retriesLeft))
			for _, existing := range s.tunnels.List() {
				if existing.Spec == spec {
					if derr := s.tunnels.Delete(existing.ID); derr != nil {
						log.Warn("conflict cleanup delete failed", zap.Error(derr))
					}
				}
			}
			time.Sleep(s.opts.ConflictRetryDelay)
			s.acquireTunnel(recordID, spec, form, retriesLeft-1)
			return
		}
		s.fail(recordID, err)
		return
	}

	notaryURL := form.NotaryURL
	if notaryURL == "" {
		notaryURL = s.opts.DefaultNotaryURL
	}
	call := session.Call{
		NotaryURL:      notaryURL,
		ServerIdentity: spec.RemoteHost,
		BridgeAddress:  tn.BridgeAddress,
		Request: notary.RequestSpec{
			URL:     form.URL,
			Method:  form.Method,
			Headers: form.Headers,
			Body:    form.Body,
		},
		Secrets:         form.Secrets,
		RevealJSONPaths: form.RevealJSONPaths,
	}

	s.mu.Lock()
	rec, ok := s.records[recordID]
	if !ok {
		// Record deleted while the tunnel was coming up.
		s.mu.Unlock()
		s.releaseTunnel(tn.ID, recordID)
		return
	}
	rec.TunnelResult = &tn
	callCopy := call
	rec.NotarizationCall = &callCopy
	s.mu.Unlock()
	s.broadcast()

	go s.runSession(recordID, call, tn.ID)
}

// runSession is the notarization continuation. The tunnel is released either
// way; release failure is logged, never propagated.
func (s *Store) runSession(recordID string, call session.Call, tunnelID string) {
	result, err := s.driver.Run(context.Background(), call)
	s.releaseTunnel(tunnelID, recordID)
	if err != nil {
		s.fail(recordID, err)
		return
	}

	s.mu.Lock()
	if rec, ok := s.records[recordID]; ok {
		rec.Status = StatusReceived
		rec.NotarizationResult = result
		rec.Error = ""
	}
	s.mu.Unlock()
	s.broadcast()
	s.logger.WithRecord(recordID).Info("record received")
}

// Verify moves a Received (or previously Failed) record to Pending and checks
// its presentation asynchronously. Any other state fails fast with
// INVALID_STATE and mutates nothing.
func (s *Store) Verify(id string) (ProofRecord, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ProofRecord{}, shared.NewError(shared.CodeNotFound, "record not found: "+id, nil)
	}
	if rec.Status != StatusReceived && rec.Status != StatusFailed {
		status := rec.Status
		s.mu.Unlock()
		return ProofRecord{}, shared.NewError(shared.CodeInvalidState,
			"record in state "+string(status)+" cannot be verified", nil)
	}
	rec.Status = StatusPending
	presentation := append([]byte(nil), rec.NotarizationResult.PresentationJSON...)
	snap := rec.clone()
	s.mu.Unlock()
	s.broadcast()

	go s.runVerification(id, presentation)
	return snap, nil
}

func (s *Store) runVerification(recordID string, presentationJSON []byte) {
	verdict, err := s.verifier.Verify(presentationJSON)

	s.mu.Lock()
	if rec, ok := s.records[recordID]; ok {
		if err != nil {
			rec.Status = StatusFailed
			rec.Error = err.Error()
			s.logger.WithRecord(recordID).Warn("verification failed", zap.Error(err))
		} else {
			rec.Status = StatusVerified
			rec.VerificationResult = verdict
			rec.Error = ""
			s.logger.WithRecord(recordID).Info("record verified")
		}
	}
	s.mu.Unlock()
	s.broadcast()
}

// Get returns a snapshot of one record.
func (s *Store) Get(id string) (ProofRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ProofRecord{}, shared.NewError(shared.CodeNotFound, "record not found: "+id, nil)
	}
	return rec.clone(), nil
}

// List returns snapshots of all records in submission order.
func (s *Store) List() []ProofRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Delete removes a record. In-flight continuations for it become no-ops.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.records[id]; !ok {
		s.mu.Unlock()
		return shared.NewError(shared.CodeNotFound, "record not found: "+id, nil)
	}
	delete(s.records, id)
	for i, ordered := range s.order {
		if ordered == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.broadcast()
	return nil
}

// fail is the terminal handler of every async chain: attach the error, move
// the record to Error, notify.
func (s *Store) fail(recordID string, err error) {
	s.logger.WithRecord(recordID).Error("record failed", zap.Error(err))
	s.mu.Lock()
	if rec, ok := s.records[recordID]; ok {
		rec.Status = StatusError
		rec.Error = err.Error()
	}
	s.mu.Unlock()
	s.broadcast()
}

func (s *Store) releaseTunnel(tunnelID, recordID string) {
	if err := s.tunnels.Delete(tunnelID); err != nil {
		s.logger.WithRecord(recordID).Warn("failed to release tunnel",
			zap.String("tunnel_id", tunnelID), zap.Error(err))
	}
}

func (s *Store) snapshotLocked() []ProofRecord {
	out := make([]ProofRecord, 0, len(s.order))
	for _, id := range s.order {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec.clone())
		}
	}
	return out
}

func (s *Store) broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return
	}
	snapshot := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snapshot:
		default:
			// Slow subscriber; it will catch up on the next snapshot.
		}
	}
}
