// Package eventstream drives the process connector receive loop.
package eventstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mrzor/proc-enroller/internal/connector"
	"github.com/mrzor/proc-enroller/internal/metrics"
	"github.com/mrzor/proc-enroller/internal/nlcodec"
	"github.com/mrzor/proc-enroller/internal/procevent"

	"go.uber.org/zap"
)

// Conn is the primary socket. Receive returns os.ErrDeadlineExceeded when no
// datagram arrived within its poll interval, and io.EOF or net.ErrClosed
// once the stream has ended.
type Conn interface {
	Send(b []byte) error
	Receive() ([]byte, error)
}

// ErrAlreadyStarted is returned by Start or Run on a stream that has been
// started before. A Stream runs at most once.
var ErrAlreadyStarted = errors.New("event stream already started")

// EventHandler consumes proc_event records.
type EventHandler interface {
	HandleEvent(ctx context.Context, rec procevent.Record) error
}

// State is the lifecycle state of a Stream.
type State int32

// Stream states. There is no retry state: a lost socket ends the stream.
const (
	StateIdle State = iota
	StateSubscribed
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Stream) { s.logger = logger }
}

// WithMetrics sets the counters updated per datagram.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stream) { s.metrics = m }
}

// WithPort sets the netlink port used as sender id on control messages.
// It defaults to the current process id.
func WithPort(pid uint32) Option {
	return func(s *Stream) { s.port = pid }
}

// Stream reads connector datagrams and dispatches decoded records to a handler.
type Stream struct {
	conn    Conn
	handler EventHandler
	logger  *zap.Logger
	metrics *metrics.Metrics
	port    uint32

	state    atomic.Int32
	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// New creates a new Stream with the given socket and event handler.
func New(conn Conn, handler EventHandler, opts ...Option) *Stream {
	s := &Stream{
		conn:    conn,
		handler: handler,
		logger:  zap.NewNop(),
		port:    uint32(os.Getpid()), //nolint:gosec // pid fits in uint32
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Start runs the stream in a goroutine. It returns once the subscription
// has been sent, or with the error that prevented it.
func (s *Stream) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return ErrAlreadyStarted
	}
	if err := s.subscribe(); err != nil {
		s.finish(err)
		return err
	}

	go func() {
		s.finish(s.loop(ctx))
	}()
	return nil
}

// Run subscribes and processes events until ctx is cancelled, Stop is
// called, or the socket fails. Only socket failures are returned.
func (s *Stream) Run(ctx context.Context) error {
	if s.started.Swap(true) {
		return ErrAlreadyStarted
	}
	if err := s.subscribe(); err != nil {
		s.finish(err)
		return err
	}
	err := s.loop(ctx)
	s.finish(err)
	return err
}

// Stop asks the loop to exit before reading the next datagram.
func (s *Stream) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// Done is closed once the stream has terminated.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that terminated the stream, once Done is closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// subscribe sends the LISTEN control message. The feed never acknowledges
// it, so success only means the datagram left the socket.
func (s *Stream) subscribe() error {
	msg, err := connector.EncodeSubscription(true, s.port)
	if err != nil {
		return fmt.Errorf("encoding subscription: %w", err)
	}
	if err := s.conn.Send(msg); err != nil {
		return fmt.Errorf("subscribing to process events: %w", err)
	}
	s.state.Store(int32(StateSubscribed))
	s.logger.Info("subscribed to process events", zap.Uint32("port", s.port))
	return nil
}

// unsubscribe sends the IGNORE control message. Failure is only logged:
// by now the process is on its way out.
func (s *Stream) unsubscribe() {
	msg, err := connector.EncodeSubscription(false, s.port)
	if err == nil {
		err = s.conn.Send(msg)
	}
	if err != nil {
		s.logger.Warn("unsubscribing from process events", zap.Error(err))
		return
	}
	s.logger.Info("unsubscribed from process events")
}

func (s *Stream) finish(err error) {
	s.state.Store(int32(StateTerminated))
	s.err = err
	close(s.done)
}

// loop is the main event loop that reads and processes datagrams.
func (s *Stream) loop(ctx context.Context) error {
	s.state.Store(int32(StateRunning))
	defer s.unsubscribe()

	var buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		default:
		}

		datagram, err := s.conn.Receive()
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				continue
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				s.logger.Info("process event stream closed")
				return nil
			default:
				return fmt.Errorf("reading process events: %w", err)
			}
		}

		s.metrics.Datagram()
		buf.Reset()
		buf.Write(datagram)
		s.processDatagram(ctx, &buf)
	}
}

// processDatagram frames every complete message in buf and hands each
// proc_event to the handler. Anything malformed is dropped.
func (s *Stream) processDatagram(ctx context.Context, buf *bytes.Buffer) {
	for {
		msg, ok, err := nlcodec.Decode(buf)
		if err != nil {
			s.drop(metrics.DropFraming, err)
			return
		}
		if !ok {
			if buf.Len() > 0 {
				s.drop(metrics.DropFraming, fmt.Errorf("%d trailing bytes", buf.Len()))
			}
			return
		}

		switch msg.Header.Type {
		case nlcodec.TypeNoop, nlcodec.TypeError:
			continue
		}

		cn, data, err := connector.Parse(msg.Payload)
		if err != nil {
			s.drop(metrics.DropConnector, err)
			continue
		}
		if !cn.IsProc() {
			s.drop(metrics.DropConnector, fmt.Errorf("unexpected connector id %d:%d", cn.ID.Idx, cn.ID.Val))
			continue
		}

		rec, err := procevent.ParseRecord(data)
		if err != nil {
			s.drop(metrics.DropRecord, err)
			continue
		}

		if err := s.handler.HandleEvent(ctx, rec); err != nil {
			s.logger.Warn("handling process event", zap.Stringer("what", rec.What), zap.Error(err))
		}
	}
}

func (s *Stream) drop(reason string, err error) {
	s.metrics.Drop(reason)
	s.logger.Debug("dropping message", zap.String("reason", reason), zap.Error(err))
}
