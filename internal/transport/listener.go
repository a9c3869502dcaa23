package transport

import (
	"context"
	"crypto/tls"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// Listener accepts QUIC connections and hands each one to a handler as a wrapped *Conn.
type Listener struct {
	quicListener *quic.Listener
	log          zerolog.Logger
}

// Listen opens a UDP socket at addr and starts accepting QUIC connections on it.
func Listen(addr string, tlsConfig *tls.Config, quicConfig *quic.Config, log zerolog.Logger) (*Listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}
	return &Listener{quicListener: ln, log: log}, nil
}

// Addr returns the local address the listener is bound to.
func (l *Listener) Addr() string { return l.quicListener.Addr().String() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.quicListener.Close() }

// Serve accepts connections until ctx is cancelled or the listener is closed, invoking handle for each one. handle
// is expected to call Conn.Run and block for the life of the connection; Serve runs it in its own goroutine.
func (l *Listener) Serve(ctx context.Context, handle func(ctx context.Context, conn *Conn)) error {
	for {
		raw, err := l.quicListener.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		conn := NewConn(raw, l.log.With().Str("remote", raw.RemoteAddr().String()).Logger())
		go handle(ctx, conn)
	}
}
