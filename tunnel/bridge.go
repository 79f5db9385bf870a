package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tlsn-host/shared"
)

const (
	remoteDialTimeout = 10 * time.Second
	relayBufferSize   = 32 * 1024
)

// Bridge is an in-process supervised proxy: it listens on the local
// rendezvous port, upgrades inbound connections to websocket and relays
// binary frames to the remote TCP host. One Bridge backs one Tunnel.
type Bridge struct {
	spec     Spec
	bindHost string
	logger   *shared.Logger

	upgrader websocket.Upgrader
	srv      *http.Server
	ln       net.Listener

	mu      sync.Mutex
	stopped bool
	onExit  func(error)
}

// NewBridge prepares a bridge for the given spec without binding the port.
func NewBridge(bindHost string, spec Spec, logger *shared.Logger) *Bridge {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Bridge{
		spec:     spec,
		bindHost: bindHost,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  relayBufferSize,
			WriteBufferSize: relayBufferSize,
			// The rendezvous endpoint is loopback-scoped; origin enforcement
			// happens at the API layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// OnExit registers the observer invoked when the serve loop ends for any
// reason other than a deliberate Stop. Must be called before Start.
func (b *Bridge) OnExit(fn func(error)) { b.onExit = fn }

// Address returns the local rendezvous URL clients connect to.
func (b *Bridge) Address() string {
	return fmt.Sprintf("ws://%s:%d", b.bindHost, b.spec.LocalPort)
}

// Start binds the local port and supervises the serve loop. Bind failures are
// returned synchronously; later failures go through the exit observer.
func (b *Bridge) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", b.bindHost, b.spec.LocalPort))
	if err != nil {
		return err
	}
	b.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleRendezvous)
	b.srv = &http.Server{Handler: mux}

	go func() {
		err := b.srv.Serve(ln)
		b.mu.Lock()
		stopped := b.stopped
		b.mu.Unlock()
		if stopped || errors.Is(err, http.ErrServerClosed) {
			return
		}
		if b.onExit != nil {
			b.onExit(err)
		}
	}()

	b.logger.Info("bridge listening",
		zap.String("bridge_address", b.Address()),
		zap.String("remote_host", b.spec.RemoteHost),
		zap.Uint16("remote_port", b.spec.RemotePort))
	return nil
}

// Stop closes the listener and all active connections. The exit observer does
// not fire for a deliberate stop.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	if b.srv != nil {
		_ = b.srv.Close()
	}
}

// handleRendezvous upgrades the client connection and relays bytes between
// the websocket and the remote TCP endpoint until either side closes.
func (b *Bridge) handleRendezvous(w http.ResponseWriter, r *http.Request) {
	log := b.logger.WithConnection(r.RemoteAddr)

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	remote, err := net.DialTimeout("tcp",
		fmt.Sprintf("%s:%d", b.spec.RemoteHost, b.spec.RemotePort), remoteDialTimeout)
	if err != nil {
		log.Error("remote dial failed", zap.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "remote unreachable"),
			time.Now().Add(time.Second))
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)

	// websocket -> remote
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			if _, err := remote.Write(data); err != nil {
				return
			}
		}
	}()

	// remote -> websocket
	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, relayBufferSize)
		for {
			n, err := remote.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug("remote read ended", zap.Error(err))
				}
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
		}
	}()

	<-done
}
