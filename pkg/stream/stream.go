// Package stream implements the protocol stream core of the driver: a
// single-connection, callback-based PostgreSQL client that negotiates the
// optional TLS upgrade, performs the startup handshake, correlates replies
// to requests in strict FIFO order and fans out LISTEN/NOTIFY pushes to
// subscribers.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/henrik-lindqvist/postgres-async-driver/pkg/config"
	"github.com/henrik-lindqvist/postgres-async-driver/pkg/message"
)

// State is the connection lifecycle position. The TLS-negotiating state is
// entered only when the security upgrade is configured.
type State int32

// Lifecycle states.
const (
	StateNew State = iota
	StateConnecting
	StateTLSNegotiating
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateTLSNegotiating:
		return "tls-negotiating"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Errors reported synchronously to callers.
var (
	ErrNotConnected   = errors.New("stream is not connected")
	ErrAlreadyStarted = errors.New("connect already attempted")
)

// Stream is one protocol connection. All reply and notification callbacks
// are invoked on the stream's read goroutine; Send, Subscribe and
// Unsubscribe may be called from any goroutine.
//
// There is no timeout or cancellation primitive for in-flight replies: a
// stuck reply resolves only through a backend response, Close, or
// transport failure. Callers needing timeouts must layer them on top.
type Stream struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *Metrics
	promReg prometheus.Registerer

	pending  *pendingQueue
	registry *notificationRegistry

	state     atomic.Int32
	connected atomic.Bool

	// sendMu spans queue-slot acquisition and the transport writes, so the
	// write order always matches slot order.
	sendMu sync.Mutex
	conn   net.Conn
	enc    *message.Encoder
}

// Option customizes a Stream at construction.
type Option func(*Stream)

// WithLogger overrides the global zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// WithMetrics registers the stream's counters on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Stream) { s.promReg = reg }
}

// New builds a Stream for the given configuration. Nothing is dialed until
// Connect.
func New(cfg *config.Config, opts ...Option) *Stream {
	s := &Stream{
		cfg:     cfg,
		logger:  zap.L(),
		metrics: newMetrics(),
		pending: newPendingQueue(cfg.Pipeline),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = newNotificationRegistry(s.logger)
	if s.promReg != nil {
		s.metrics.register(s.promReg)
	}
	return s
}

// Connect begins connection establishment and returns immediately. The
// handshake's accumulated reply, or a channel error for any establishment
// failure (dial, TLS refusal, startup write), is delivered to onComplete.
// ctx bounds dialing and the TLS negotiation only.
func (s *Stream) Connect(ctx context.Context, startup *message.Startup, onComplete ReplyHandler) error {
	if onComplete == nil {
		return errors.New("nil reply handler")
	}
	if !s.state.CompareAndSwap(int32(StateNew), int32(StateConnecting)) {
		return ErrAlreadyStarted
	}
	go s.establish(ctx, startup, onComplete)
	return nil
}

func (s *Stream) establish(ctx context.Context, startup *message.Startup, onComplete ReplyHandler) {
	d := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Address)
	if err != nil {
		s.abortConnect(onComplete, message.WrapChannelError(err))
		return
	}

	transportUp := StateConnecting
	if s.cfg.TLS.Enable {
		if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateTLSNegotiating)) {
			_ = conn.Close()
			s.abortConnect(onComplete, message.NewChannelError("stream closed during connect"))
			return
		}
		tlsConn, err := s.negotiateTLS(ctx, conn)
		if err != nil {
			_ = conn.Close()
			s.abortConnect(onComplete, message.WrapChannelError(err))
			return
		}
		conn = tlsConn
		transportUp = StateTLSNegotiating
	}

	s.sendMu.Lock()
	s.conn = conn
	s.enc = message.NewEncoder(conn)
	s.sendMu.Unlock()
	// A Close racing with connect flips the state away from us; honor it.
	if !s.state.CompareAndSwap(int32(transportUp), int32(StateHandshaking)) {
		_ = conn.Close()
		s.abortConnect(onComplete, message.NewChannelError("stream closed during connect"))
		return
	}
	// Handshake initiator: the connect caller takes the first queue slot
	// before anyone can observe the stream as connected, so the handshake
	// reply can never be correlated to a racing Send.
	entry, err := s.pending.add(onComplete)
	if err != nil {
		_ = conn.Close()
		s.abortConnect(onComplete, message.WrapChannelError(err))
		return
	}
	s.connected.Store(true)
	s.logger.Debug("transport ready", zap.String("address", s.cfg.Address),
		zap.Bool("tls", s.cfg.TLS.Enable))
	go s.readLoop(conn)

	s.sendMu.Lock()
	werr := s.enc.Write(startup)
	if werr == nil {
		werr = s.enc.Flush()
	}
	s.sendMu.Unlock()
	if werr != nil {
		s.logger.Warn("startup write failed", zap.Error(werr))
		s.pending.fail(entry, message.WrapChannelError(werr))
		_ = conn.Close()
	}
}

func (s *Stream) abortConnect(onComplete ReplyHandler, cerr *message.ChannelError) {
	s.state.Store(int32(StateClosed))
	s.logger.Warn("connect failed", zap.String("address", s.cfg.Address), zap.Error(cerr))
	onComplete([]message.Message{cerr})
}

// negotiateTLS runs the one-shot security sub-protocol: write the upgrade
// request, read the single response byte, splice the TLS transport in on
// accept. The response is not a framed message.
func (s *Stream) negotiateTLS(ctx context.Context, conn net.Conn) (net.Conn, error) {
	tlsCfg, err := s.cfg.TLSClientConfig()
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if s.cfg.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	}

	enc := message.NewEncoder(conn)
	if err := enc.Write(&message.SSLRequest{}); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}

	// ReadFull waits for the byte instead of failing on a short read.
	var resp [1]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return nil, fmt.Errorf("read ssl response: %w", err)
	}
	if resp[0] != 'S' {
		return nil, errors.New("SSL required but not supported by backend server")
	}

	tc := tls.Client(conn, tlsCfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return tc, nil
}

// readLoop is the single inbound dispatcher: it decodes frames, routes
// push notifications to the registry and everything else to the head of
// the pending queue, until the transport dies.
func (s *Stream) readLoop(conn net.Conn) {
	dec := message.NewDecoder(conn)
	for {
		m, err := dec.Next()
		if err != nil {
			s.transportInactive(err)
			return
		}
		s.metrics.MessagesReceived.Inc()

		if n, ok := m.(*message.Notification); ok {
			cnt := s.registry.dispatch(n.Channel, n.Payload)
			s.metrics.NotificationsDispatched.Inc()
			s.logger.Debug("notification",
				zap.String("channel", n.Channel), zap.Int("subscribers", cnt))
			continue
		}

		// The ready marker ends the handshake; flip state before the
		// completion fires so the callback observes a ready stream.
		if _, ok := m.(*message.ReadyForQuery); ok {
			s.state.CompareAndSwap(int32(StateHandshaking), int32(StateReady))
		}
		if s.pending.dispatch(m) {
			s.metrics.RepliesCompleted.Inc()
		}
	}
}

// transportInactive is the terminal path for the connection: every still
// pending entry gets exactly one channel error, in queue order.
func (s *Stream) transportInactive(err error) {
	s.connected.Store(false)
	prev := State(s.state.Swap(int32(StateClosed)))

	var cerr *message.ChannelError
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		cerr = message.NewChannelError("connection state changed to inactive")
	default:
		cerr = message.WrapChannelError(err)
	}

	n := s.pending.failAll(cerr)
	s.metrics.FailuresBroadcast.Add(float64(n))
	if prev == StateClosing {
		s.logger.Debug("connection closed", zap.Int("pending_failed", n))
	} else {
		s.logger.Warn("connection inactive", zap.Error(err), zap.Int("pending_failed", n))
	}
}

// Send writes one request and registers onComplete for its reply.
// It returns ErrNotConnected without touching the queue when the transport
// is not open. With pipelining disabled and a request already outstanding,
// onComplete immediately receives a "pipelining not enabled" channel error
// and nothing is written.
func (s *Stream) Send(m message.Frontend, onComplete ReplyHandler) error {
	return s.SendBatch([]message.Frontend{m}, onComplete)
}

// SendBatch writes a group of messages that share a single reply, flushed
// together in order.
func (s *Stream) SendBatch(batch []message.Frontend, onComplete ReplyHandler) error {
	if len(batch) == 0 {
		return errors.New("empty batch")
	}
	if onComplete == nil {
		return errors.New("nil reply handler")
	}
	if !s.connected.Load() {
		return ErrNotConnected
	}

	s.sendMu.Lock()
	entry, aerr := s.pending.add(onComplete)
	if aerr != nil {
		s.sendMu.Unlock()
		// A closed queue means the transport died after the connected check;
		// without a read loop a queued entry could never be answered.
		if errors.Is(aerr, errReplyQueueClosed) {
			return ErrNotConnected
		}
		onComplete([]message.Message{message.NewChannelError("pipelining not enabled")})
		return nil
	}
	var err error
	for _, m := range batch {
		if err = s.enc.Write(m); err != nil {
			break
		}
	}
	if err == nil {
		err = s.enc.Flush()
	}
	s.sendMu.Unlock()

	if err != nil {
		s.logger.Warn("write failed", zap.Error(err))
		s.pending.fail(entry, message.WrapChannelError(err))
	}
	return nil
}

// IsConnected reports whether the transport is currently open. It is a
// point-in-time check, not a guarantee for the following operation.
func (s *Stream) IsConnected() bool {
	return s.connected.Load()
}

// State reports the current lifecycle state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Subscribe registers fn for push notifications on channel and returns the
// subscription token. Issuing the backend LISTEN command is the caller's
// business; the registry only routes what the server pushes.
func (s *Stream) Subscribe(channel string, fn NotificationHandler) string {
	return s.registry.subscribe(channel, fn)
}

// Unsubscribe removes a subscription. An unknown (channel, token) pair is
// an error.
func (s *Stream) Unsubscribe(channel, token string) error {
	return s.registry.unsubscribe(channel, token)
}

// Close requests transport shutdown. Pending callers are answered by the
// transport-inactive path once the read loop observes the closed
// connection.
func (s *Stream) Close() error {
	for {
		prev := State(s.state.Load())
		if prev == StateClosing || prev == StateClosed {
			return nil
		}
		if s.state.CompareAndSwap(int32(prev), int32(StateClosing)) {
			break
		}
	}

	s.sendMu.Lock()
	conn := s.conn
	if conn != nil && s.connected.Load() {
		// Best-effort orderly goodbye; the close below is what matters.
		if err := s.enc.Write(&message.Terminate{}); err == nil {
			_ = s.enc.Flush()
		}
	}
	s.sendMu.Unlock()

	if conn == nil {
		s.state.Store(int32(StateClosed))
		return nil
	}
	return conn.Close()
}

// Metrics exposes the stream counters, mainly for tests and embedding.
func (s *Stream) Metrics() *Metrics {
	return s.metrics
}
