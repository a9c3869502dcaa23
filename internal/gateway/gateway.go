// Package gateway terminates the QUIC data plane: it accepts connections, upgrades auth tokens into realtime
// sessions, places players onto map instances through the directory, and routes every inbound frame to the
// subsystem that owns it. One accept loop, one
// per-connection goroutine, a shared registry for broadcast and duplicate-login eviction.
package gateway

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/allanbatista/mu-core-server/internal/account"
	"github.com/allanbatista/mu-core-server/internal/apperr"
	"github.com/allanbatista/mu-core-server/internal/authtoken"
	"github.com/allanbatista/mu-core-server/internal/runtime"
	"github.com/allanbatista/mu-core-server/internal/transport"
)

// handshakeTimeout bounds how long a freshly accepted connection may sit without presenting ClientHello before it
// is dropped, keeping half-open connections from pinning gateway state.
const handshakeTimeout = 5 * time.Second

// drainPoll is how often DrainConnections re-checks the registry while waiting for per-connection goroutines to
// finish their teardown.
const drainPoll = 20 * time.Millisecond

// AccountDirectory is the slice of the account repository the gateway needs at handshake time: character ownership
// validation and the last persisted gameplay snapshot to place the player from.
type AccountDirectory interface {
	CharacterByID(ctx context.Context, accountID, characterID uuid.UUID) (*account.Character, error)
	LoadCharacterState(ctx context.Context, characterID uuid.UUID) (account.CharacterState, error)
}

// Gateway is the QUIC data-plane front door. It implements runtime.Broadcaster and runtime.ShutdownSignal, and
// installs itself as the runtime's FrameSender so map instances can deliver frames without transport knowledge.
type Gateway struct {
	rt       *runtime.Runtime
	tokens   *authtoken.Service
	accounts AccountDirectory
	log      zerolog.Logger

	listener *transport.Listener

	mu    sync.RWMutex
	conns map[string]*transport.Conn // by session id, post-handshake only
	names map[string]string          // character name -> session id, for whisper resolution
}

// New builds a gateway against an already-bootstrapped runtime and wires itself in as the runtime's frame sender.
func New(rt *runtime.Runtime, tokens *authtoken.Service, accounts AccountDirectory, log zerolog.Logger) *Gateway {
	g := &Gateway{
		rt:       rt,
		tokens:   tokens,
		accounts: accounts,
		log:      log.With().Str("component", "gateway").Logger(),
		conns:    make(map[string]*transport.Conn),
		names:    make(map[string]string),
	}
	rt.SetFrameSender(g.SendToSession)
	return g
}

// Listen binds the gateway's UDP socket. Serve must be called afterward to start accepting.
func (g *Gateway) Listen(addr string, tlsConf *tls.Config, quicConf *quic.Config) error {
	if quicConf == nil {
		quicConf = &quic.Config{
			EnableDatagrams: true,
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		}
	}
	ln, err := transport.Listen(addr, tlsConf, quicConf, g.log)
	if err != nil {
		return err
	}
	g.listener = ln
	g.log.Info().Str("addr", ln.Addr()).Msg("gateway listening")
	return nil
}

// Addr returns the bound listener address, for tests and startup logging.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener closes. Intended to run under
// runtime.RunWithBackoff like every other long-lived loop.
func (g *Gateway) Serve(ctx context.Context) error {
	return g.listener.Serve(ctx, g.handleConn)
}

// CloseListener stops accepting new connections, the first step of the runtime's shutdown sequence.
func (g *Gateway) CloseListener() error {
	if g.listener == nil {
		return nil
	}
	return g.listener.Close()
}

// DrainConnections closes every still-open connection and waits (bounded by ctx) for their goroutines to
// unregister themselves.
func (g *Gateway) DrainConnections(ctx context.Context) {
	g.mu.RLock()
	open := make([]*transport.Conn, 0, len(g.conns))
	for _, conn := range g.conns {
		open = append(open, conn)
	}
	g.mu.RUnlock()

	for _, conn := range open {
		conn.Close(apperr.MapClosed)
	}

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		g.mu.RLock()
		remaining := len(g.conns)
		g.mu.RUnlock()
		if remaining == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// BroadcastControl fans an encoded Control frame out to every connected session, used for SERVER_SHUTDOWN.
func (g *Gateway) BroadcastControl(frame []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, conn := range g.conns {
		conn.Send(transport.Control, frame)
	}
}

// SendToSession delivers one encoded frame to a session's transport, picking the datagram path for
// datagram-assigned channels and the stream send queue otherwise. Installed as the runtime's FrameSender.
func (g *Gateway) SendToSession(sessionID string, channel uint8, frame []byte) {
	g.mu.RLock()
	conn, ok := g.conns[sessionID]
	g.mu.RUnlock()
	if !ok {
		return
	}

	ch := transport.Channel(channel)
	if kind, err := transport.KindOf(ch); err == nil && kind == transport.KindDatagram {
		if err := conn.SendDatagram(frame); err != nil {
			g.log.Debug().Err(err).Str("session_id", sessionID).Msg("datagram send failed")
		}
		return
	}
	conn.Send(ch, frame)
}

// register adds a handshake-complete connection to the broadcast/whisper registries.
func (g *Gateway) register(sessionID, characterName string, conn *transport.Conn) {
	g.mu.Lock()
	g.conns[sessionID] = conn
	g.names[characterName] = sessionID
	g.mu.Unlock()
}

// unregister removes a connection, tolerating the name index having already been taken over by a newer login of
// the same character.
func (g *Gateway) unregister(sessionID, characterName string) {
	g.mu.Lock()
	delete(g.conns, sessionID)
	if g.names[characterName] == sessionID {
		delete(g.names, characterName)
	}
	g.mu.Unlock()
}

// sessionByName resolves a character name to its live session id, for whisper routing.
func (g *Gateway) sessionByName(characterName string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.names[characterName]
	return id, ok
}
