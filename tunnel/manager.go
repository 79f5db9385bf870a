// Package tunnel manages ephemeral local-rendezvous-to-remote-TCP bridges.
// The registry, not the bridge, is authoritative for tunnel existence: a
// bridge whose serve loop dies is evicted through its exit observer.
package tunnel

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"tlsn-host/shared"
)

// Spec identifies a bridge by its endpoints. Identity is derived
// deterministically so identical specs always map to the same id.
type Spec struct {
	LocalPort  uint16 `json:"localPort"`
	RemoteHost string `json:"remoteHost"`
	RemotePort uint16 `json:"remotePort"`
}

// ID derives the uniqueness key for this spec: a sha3-256 digest over the
// local port, the digest of the remote host and the remote port.
func (s Spec) ID() string {
	hostDigest := sha3.Sum256([]byte(s.RemoteHost))
	digest := sha3.Sum256([]byte(fmt.Sprintf("%d:%s:%d", s.LocalPort, hex.EncodeToString(hostDigest[:]), s.RemotePort)))
	return hex.EncodeToString(digest[:8])
}

// Tunnel is the registry's view of a live bridge. The bridge handle is a weak
// back-reference only and is never exposed to callers.
type Tunnel struct {
	ID            string `json:"id"`
	Spec          Spec   `json:"spec"`
	BridgeAddress string `json:"bridgeAddress"`

	bridge *Bridge
}

// Manager owns the tunnel registry. All reads return copies; the registry is
// mutated only through its public operations.
type Manager struct {
	mu         sync.Mutex
	tunnels    map[string]*Tunnel
	bridgeHost string
	lookup     time.Duration
	resolver   hostResolver
	logger     *shared.Logger

	// test seam: runs between bridge startup and registration
	preRegister func()
}

type hostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// NewManager creates a Manager whose bridges bind to bridgeHost and whose
// DNS reachability checks are bounded by lookupTimeout.
func NewManager(bridgeHost string, lookupTimeout time.Duration, logger *shared.Logger) *Manager {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Manager{
		tunnels:    make(map[string]*Tunnel),
		bridgeHost: bridgeHost,
		lookup:     lookupTimeout,
		resolver:   net.DefaultResolver,
		logger:     logger,
	}
}

func (m *Manager) validate(spec Spec) error {
	if spec.LocalPort == 0 {
		return shared.NewError(shared.CodeValidation, "localPort must be in range 1-65535", nil)
	}
	if spec.RemotePort == 0 {
		return shared.NewError(shared.CodeValidation, "remotePort must be in range 1-65535", nil)
	}
	if spec.RemoteHost == "" {
		return shared.NewError(shared.CodeValidation, "remoteHost must not be empty", nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.lookup)
	defer cancel()
	if _, err := m.resolver.LookupHost(ctx, spec.RemoteHost); err != nil {
		return shared.NewError(shared.CodeInvalidHost,
			fmt.Sprintf("remote host %q does not resolve", spec.RemoteHost), err)
	}
	return nil
}

// Create validates the spec, spawns a supervised bridge on the local port and
// registers the tunnel. At most one live tunnel exists per spec triple.
func (m *Manager) Create(spec Spec) (Tunnel, error) {
	if err := m.validate(spec); err != nil {
		return Tunnel{}, err
	}
	id := spec.ID()

	m.mu.Lock()
	if _, exists := m.tunnels[id]; exists {
		m.mu.Unlock()
		return Tunnel{}, shared.NewError(shared.CodeConflict,
			fmt.Sprintf("tunnel %s already exists for %s:%d", id, spec.RemoteHost, spec.RemotePort), nil)
	}
	// Reserve the slot before releasing the lock so a concurrent Create with
	// the same spec observes the conflict while the bridge is starting.
	m.tunnels[id] = nil
	m.mu.Unlock()

	bridge := NewBridge(m.bridgeHost, spec, m.logger)
	bridge.OnExit(func(err error) { m.evict(id, bridge, err) })
	if err := bridge.Start(); err != nil {
		m.mu.Lock()
		delete(m.tunnels, id)
		m.mu.Unlock()
		return Tunnel{}, shared.NewError(shared.CodeProcessFailure, "failed to start bridge", err)
	}

	tun := &Tunnel{ID: id, Spec: spec, BridgeAddress: bridge.Address(), bridge: bridge}

	if m.preRegister != nil {
		m.preRegister()
	}

	m.mu.Lock()
	if _, reserved := m.tunnels[id]; !reserved {
		// DeleteAll cleared the reservation while the bridge was starting; the
		// registry stays authoritative, so the bridge must not outlive it.
		m.mu.Unlock()
		bridge.Stop()
		return Tunnel{}, shared.NewError(shared.CodeNotFound,
			fmt.Sprintf("tunnel %s was deleted while starting", id), nil)
	}
	m.tunnels[id] = tun
	m.mu.Unlock()

	m.logger.WithTunnel(id).Info("tunnel created",
		zap.String("remote_host", spec.RemoteHost),
		zap.Uint16("remote_port", spec.RemotePort),
		zap.String("bridge_address", tun.BridgeAddress))
	return *tun, nil
}

// evict removes a tunnel whose bridge died. It only acts when the registry
// still points at the same bridge: a deliberate Delete deregisters first.
func (m *Manager) evict(id string, bridge *Bridge, cause error) {
	m.mu.Lock()
	tun, exists := m.tunnels[id]
	if !exists || tun == nil || tun.bridge != bridge {
		m.mu.Unlock()
		return
	}
	delete(m.tunnels, id)
	m.mu.Unlock()
	m.logger.WithTunnel(id).Error("bridge exited unexpectedly, tunnel evicted", zap.Error(cause))
}

// Get returns a copy of the tunnel with the given id.
func (m *Manager) Get(id string) (Tunnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tun, exists := m.tunnels[id]
	if !exists || tun == nil {
		return Tunnel{}, shared.NewError(shared.CodeNotFound, fmt.Sprintf("tunnel %s not found", id), nil)
	}
	return *tun, nil
}

// List returns copies of every registered tunnel, ordered by id.
func (m *Manager) List() []Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tunnel, 0, len(m.tunnels))
	for _, tun := range m.tunnels {
		if tun != nil {
			out = append(out, *tun)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update replaces a tunnel with one for the new spec. The replacement spec is
// validated and checked for conflicts before the old bridge is touched: a
// rejected update leaves the existing tunnel running.
func (m *Manager) Update(id string, spec Spec) (Tunnel, error) {
	if err := m.validate(spec); err != nil {
		return Tunnel{}, err
	}
	newID := spec.ID()

	m.mu.Lock()
	old, exists := m.tunnels[id]
	if !exists || old == nil {
		m.mu.Unlock()
		return Tunnel{}, shared.NewError(shared.CodeNotFound, fmt.Sprintf("tunnel %s not found", id), nil)
	}
	if _, taken := m.tunnels[newID]; taken && newID != id {
		m.mu.Unlock()
		return Tunnel{}, shared.NewError(shared.CodeConflict,
			fmt.Sprintf("tunnel %s already exists for %s:%d", newID, spec.RemoteHost, spec.RemotePort), nil)
	}
	delete(m.tunnels, id)
	m.mu.Unlock()

	old.bridge.Stop()
	return m.Create(spec)
}

// Delete terminates the backing bridge and removes the registry entry.
// Deleting an unknown id returns NOT_FOUND to surface caller bugs.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	tun, exists := m.tunnels[id]
	if !exists || tun == nil {
		m.mu.Unlock()
		return shared.NewError(shared.CodeNotFound, fmt.Sprintf("tunnel %s not found", id), nil)
	}
	delete(m.tunnels, id)
	m.mu.Unlock()

	tun.bridge.Stop()
	m.logger.WithTunnel(id).Info("tunnel deleted")
	return nil
}

// DeleteAll terminates every registered bridge and clears the registry.
func (m *Manager) DeleteAll() {
	m.mu.Lock()
	tunnels := m.tunnels
	m.tunnels = make(map[string]*Tunnel)
	m.mu.Unlock()

	for id, tun := range tunnels {
		if tun != nil {
			tun.bridge.Stop()
		}
		m.logger.WithTunnel(id).Info("tunnel deleted")
	}
}
