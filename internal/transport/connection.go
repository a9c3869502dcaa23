package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/allanbatista/mu-core-server/internal/apperr"
	"github.com/allanbatista/mu-core-server/internal/wire"
)

// sendQueueSize bounds how many outbound frames may be buffered per stream channel before the connection is
// considered backpressured and closed.
const sendQueueSize = 256

// datagramWindow is how far behind the highest sequence seen so far an inbound datagram may still be accepted
// before it is treated as stale and dropped.
const datagramWindow = 32

// InboundFrame is a decoded frame handed to the router's consumer, tagged with the connection it arrived on.
type InboundFrame struct {
	Conn    *Conn
	Channel Channel
	Seq     uint32
	Body    []byte
}

// Conn wraps one accepted QUIC connection: one bidirectional stream per stream-backed channel, plus the shared
// unreliable datagram path for GameplayInput. One read/write goroutine pair runs per bound channel stream.
type Conn struct {
	raw quic.Connection
	log zerolog.Logger

	streams   map[Channel]quic.Stream
	streamsMu sync.RWMutex

	sendQueues map[Channel]chan []byte

	highestSeenDatagramSeq atomic.Uint32

	done      chan struct{}
	closeOnce sync.Once

	inbound chan InboundFrame
}

// NewConn wraps an accepted QUIC connection. Call Run to start pumping frames; inbound frames are delivered on the
// returned channel until the connection closes.
func NewConn(raw quic.Connection, log zerolog.Logger) *Conn {
	return &Conn{
		raw:        raw,
		log:        log,
		streams:    make(map[Channel]quic.Stream),
		sendQueues: make(map[Channel]chan []byte),
		done:       make(chan struct{}),
		inbound:    make(chan InboundFrame, sendQueueSize),
	}
}

// Inbound returns the channel on which decoded frames are delivered.
func (c *Conn) Inbound() <-chan InboundFrame { return c.inbound }

// Done is closed once the connection has been torn down, for consumers selecting against Inbound.
func (c *Conn) Done() <-chan struct{} { return c.done }

// RemoteAddr returns the peer's address, for logging and rate limiting.
func (c *Conn) RemoteAddr() string { return c.raw.RemoteAddr().String() }

// Close signals all pumps to stop and tears down the underlying QUIC connection with the given apperr close code.
func (c *Conn) Close(code apperr.Kind) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.raw.CloseWithError(quic.ApplicationErrorCode(apperr.CloseCode(code)), string(code))
	})
}

// Run starts the stream accept loop, which gives every accepted bidi stream its own read pump (plus a write pump
// once the stream's first frame names its channel), and the datagram reader. It blocks until the connection is
// closed; a cancelled ctx ends the accept loop, which closes the connection.
func (c *Conn) Run(ctx context.Context) {
	go c.acceptStreams(ctx)
	go c.readDatagrams(ctx)
	<-c.done
}

// acceptStreams accepts incoming bidi streams opened by the peer and binds each to the channel its first frame
// declares, then starts a read/write pump pair for it.
func (c *Conn) acceptStreams(ctx context.Context) {
	for {
		stream, err := c.raw.AcceptStream(ctx)
		if err != nil {
			c.Close(apperr.Internal)
			return
		}
		go c.readStream(ctx, stream)
	}
}

// readStream reads length-delimited envelopes off a single stream and dispatches them once the channel the stream
// belongs to is known from the first frame's header. A QUIC stream has no message boundaries, so frames are
// reassembled through wire.ReadEnvelope's body_len prefix rather than assuming one frame per Read.
func (c *Conn) readStream(ctx context.Context, stream quic.Stream) {
	var bound bool
	var channel Channel

	for {
		env, err := wire.ReadEnvelope(stream)
		if err != nil {
			switch {
			case errors.Is(err, wire.ErrVersionMismatch):
				c.sendError(ctx, channel, apperr.VersionMismatch)
			case errors.Is(err, wire.ErrMalformed):
				c.sendError(ctx, channel, apperr.Malformed)
			}
			return
		}
		ch := Channel(env.ChannelID)
		if kind, kErr := KindOf(ch); kErr != nil || kind != KindStream {
			c.sendError(ctx, ch, apperr.ChannelViolation)
			return
		}
		if !bound {
			bound = true
			channel = ch
			c.bindStream(channel, stream)
			c.startWritePump(channel, stream)
		} else if ch != channel {
			c.sendError(ctx, ch, apperr.ChannelViolation)
			return
		}

		select {
		case c.inbound <- InboundFrame{Conn: c, Channel: channel, Seq: env.Sequence, Body: env.Body}:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) bindStream(ch Channel, stream quic.Stream) {
	c.streamsMu.Lock()
	c.streams[ch] = stream
	c.streamsMu.Unlock()
}

// startWritePump drains the channel's send queue onto its bound stream. A full
// queue means the peer cannot keep up, which is a backpressure overflow and closes the whole connection.
func (c *Conn) startWritePump(ch Channel, stream quic.Stream) {
	c.streamsMu.Lock()
	queue, ok := c.sendQueues[ch]
	if !ok {
		queue = make(chan []byte, sendQueueSize)
		c.sendQueues[ch] = queue
	}
	c.streamsMu.Unlock()

	go func() {
		for {
			select {
			case frame := <-queue:
				if _, err := stream.Write(frame); err != nil {
					c.log.Debug().Err(err).Uint8("channel", uint8(ch)).Msg("stream write error")
					c.Close(apperr.Internal)
					return
				}
			case <-c.done:
				return
			}
		}
	}()
}

// readDatagrams reads unreliable datagrams, enforcing the channel's datagram transport assignment and the
// reordering window before dispatching.
func (c *Conn) readDatagrams(ctx context.Context) {
	for {
		data, err := c.raw.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			c.sendError(ctx, GameplayInput, apperr.Malformed)
			continue
		}
		ch := Channel(env.ChannelID)
		if kind, kErr := KindOf(ch); kErr != nil || kind != KindDatagram {
			c.sendError(ctx, ch, apperr.ChannelViolation)
			continue
		}
		if !c.acceptDatagramSeq(env.Sequence) {
			continue
		}

		select {
		case c.inbound <- InboundFrame{Conn: c, Channel: ch, Seq: env.Sequence, Body: env.Body}:
		case <-c.done:
			return
		}
	}
}

// acceptDatagramSeq applies the reordering window: a datagram is rejected once it is more than datagramWindow
// sequence numbers behind the highest one seen so far, and otherwise the high-water mark is advanced.
func (c *Conn) acceptDatagramSeq(seq uint32) bool {
	for {
		highest := c.highestSeenDatagramSeq.Load()
		if seq <= highest && highest-seq > datagramWindow {
			return false
		}
		if seq <= highest {
			return true
		}
		if c.highestSeenDatagramSeq.CompareAndSwap(highest, seq) {
			return true
		}
	}
}

// SendDatagram writes an already-encoded frame on the unreliable datagram path. Overflow here is a silent
// drop-oldest by the QUIC layer itself, not a connection-ending backpressure event, since GameplayInput is
// non-critical.
func (c *Conn) SendDatagram(frame []byte) error {
	return c.raw.SendDatagram(frame)
}

// Send enqueues an already-encoded frame for delivery on a stream channel. If the channel has no bound stream yet
// (the peer has not opened it), the frame is dropped; Control is always opened first by convention so this only
// affects channels a peer has chosen not to use.
func (c *Conn) Send(ch Channel, frame []byte) {
	c.streamsMu.RLock()
	queue, ok := c.sendQueues[ch]
	c.streamsMu.RUnlock()
	if !ok {
		return
	}

	select {
	case queue <- frame:
	case <-c.done:
	default:
		c.log.Warn().Uint8("channel", uint8(ch)).Msg("send queue full, closing connection")
		c.Close(apperr.BackpressureOverflow)
	}
}

// sendError best-effort delivers a ServerError frame on the offending channel and, for non-critical violations,
// leaves the connection open (a CHANNEL_VIOLATION on a datagram does not end the session).
func (c *Conn) sendError(ctx context.Context, ch Channel, kind apperr.Kind) {
	frame, err := wire.NewServerErrorFrame(0, uint8(ch), string(kind))
	if err != nil {
		return
	}
	if k, kErr := KindOf(ch); kErr == nil && k == KindDatagram {
		_ = c.SendDatagram(frame)
		return
	}
	c.Send(ch, frame)
}
