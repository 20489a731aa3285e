// Package ws maintains the auction duplex channel: dialing, reading, reconnect scheduling and
// intentional shutdown. All connection activity is published on a single event channel.
package ws

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/auctionsync/errs"
	"github.com/coachpo/auctionsync/internal/infra/telemetry"
	"github.com/coachpo/auctionsync/internal/observability"
)

// Status is the lifecycle stage of the channel.
type Status string

const (
	StatusInit    Status = "INIT"
	StatusOpen    Status = "OPEN"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
)

// EventKind classifies a connection event.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventMessage
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is published for every connection occurrence, in order, per attempt.
type Event struct {
	Kind    EventKind
	Attempt uint64
	Data    []byte
	Err     error
	Code    int
	Reason  string
}

// Close reasons sent on intentional shutdown.
const (
	ReasonFinished = "auction finished"
	ReasonClosed   = "session closed"
)

// Options configures a Manager.
type Options struct {
	BaseURL             string
	AuctionID           string
	UserID              string
	ParticipantOptional bool

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	EventBuffer  int

	BackOff backoff.BackOff
	Dialer  Dialer
	Clock   clockwork.Clock
	Logger  observability.Logger
}

// Manager owns the channel status and the reconnect timer. It never decides on its own whether to
// reconnect: the consumer of Events calls ScheduleReconnect or Finish after each close.
type Manager struct {
	opts    Options
	dialer  Dialer
	clock   clockwork.Clock
	logger  observability.Logger
	backoff backoff.BackOff
	events  chan Event

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	status      Status
	conn        Conn
	attempt     uint64
	dialing     bool
	terminal    bool
	closeCode   int
	closeReason string
	retry       clockwork.Timer

	attemptsCounter metric.Int64Counter
	opensCounter    metric.Int64Counter
	closesCounter   metric.Int64Counter
	delayHistogram  metric.Float64Histogram
}

// NewManager creates an idle manager. Nothing is dialed until Connect.
func NewManager(opts Options) *Manager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	bo := opts.BackOff
	if bo == nil {
		bo = NewLinearBackOff(DefaultBackoffFloor, DefaultBackoffStep, DefaultBackoffCeiling)
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = CoderDialer{ReadLimit: 0, Options: nil}
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Manager{
		opts:        opts,
		dialer:      dialer,
		clock:       clock,
		logger:      observability.OrDefault(opts.Logger),
		backoff:     bo,
		events:      make(chan Event, opts.EventBuffer),
		mu:          sync.Mutex{},
		ctx:         nil,
		cancel:      nil,
		status:      StatusClosed,
		conn:        nil,
		attempt:     0,
		dialing:     false,
		terminal:    false,
		closeCode:   0,
		closeReason: "",
		retry:       nil,
	}

	meter := otel.Meter("ws")
	m.attemptsCounter, _ = meter.Int64Counter("ws.connection.attempts",
		metric.WithDescription("Number of channel dial attempts"),
		metric.WithUnit("{attempt}"))
	m.opensCounter, _ = meter.Int64Counter("ws.connection.opens",
		metric.WithDescription("Number of channels successfully opened"),
		metric.WithUnit("{connection}"))
	m.closesCounter, _ = meter.Int64Counter("ws.connection.closes",
		metric.WithDescription("Number of channel closes by close code"),
		metric.WithUnit("{connection}"))
	m.delayHistogram, _ = meter.Float64Histogram("ws.reconnect.delay",
		metric.WithDescription("Delay before the next reconnect attempt"),
		metric.WithUnit("ms"))
	return m
}

// Events returns the single-consumer event stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Status returns the current channel status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempts returns the number of dial attempts made so far.
func (m *Manager) Attempts() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Terminal reports whether Finish or Close has been called.
func (m *Manager) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// Connect starts an asynchronous dial. It is a no-op while the channel is open or a dial is in flight.
// The first call's ctx bounds the lifetime of every later reconnect.
func (m *Manager) Connect(ctx context.Context) error {
	auctionID := strings.TrimSpace(m.opts.AuctionID)
	userID := strings.TrimSpace(m.opts.UserID)
	if auctionID == "" {
		return errs.New("ws/connect", errs.CodeValidation, errs.WithMessage("auction id is required"))
	}
	if userID == "" && !m.opts.ParticipantOptional {
		return errs.New("ws/connect", errs.CodeValidation, errs.WithMessage("user id is required"))
	}
	target, err := BuildURL(m.opts.BaseURL, auctionID, userID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.terminal {
		m.mu.Unlock()
		return errs.New("ws/connect", errs.CodeValidation, errs.WithMessage("session already closed"))
	}
	if m.status == StatusOpen || m.dialing {
		m.mu.Unlock()
		return nil
	}
	if m.ctx == nil {
		m.ctx, m.cancel = context.WithCancel(ctx)
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.attempt++
	attempt := m.attempt
	m.dialing = true
	m.status = StatusInit
	lifetime := m.ctx
	m.mu.Unlock()

	if m.attemptsCounter != nil {
		m.attemptsCounter.Add(lifetime, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	m.logger.Debug("dialing auction channel",
		observability.F("target", target),
		observability.F("attempt", attempt))

	go m.run(lifetime, attempt, target)
	return nil
}

// ScheduleReconnect arms the reconnect timer with the next backoff delay. It reports false when the
// manager is terminal, the channel is not closed, or a reconnect is already pending.
func (m *Manager) ScheduleReconnect() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal || m.ctx == nil || m.status != StatusClosed || m.dialing || m.retry != nil {
		return 0, false
	}
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		m.logger.Warn("reconnect schedule exhausted")
		return 0, false
	}
	lifetime := m.ctx
	m.retry = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retry = nil
		m.mu.Unlock()
		if err := m.Connect(lifetime); err != nil {
			m.logger.Debug("reconnect skipped", observability.F("error", err))
		}
	})
	if m.delayHistogram != nil {
		m.delayHistogram.Record(lifetime, float64(delay.Milliseconds()),
			metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	m.logger.Info("reconnect scheduled", observability.F("delay", delay.String()))
	return delay, true
}

// Send writes one text frame. It fails unless the channel is OPEN.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	m.mu.Lock()
	conn := m.conn
	status := m.status
	m.mu.Unlock()
	if status != StatusOpen || conn == nil {
		return errs.New("ws/send", errs.CodeTransport,
			errs.WithMessage("channel not open"),
			errs.WithField("status", string(status)))
	}
	writeCtx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, data); err != nil {
		m.logger.Warn("channel write failed", observability.F("error", err))
		return errs.New("ws/send", errs.CodeTransport, errs.WithMessage("write failed"), errs.WithCause(err))
	}
	return nil
}

// Finish terminates the channel because the auction is over. Idempotent.
func (m *Manager) Finish() {
	conn := m.shutdown(ReasonFinished)
	if conn != nil {
		// the read loop reports the resulting close
		go func() { _ = conn.Close(CloseNormal, ReasonFinished) }()
	}
}

// Close abandons the session: terminal, closes the channel and cancels all background work.
func (m *Manager) Close() error {
	conn := m.shutdown(ReasonClosed)
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close(CloseNormal, ReasonClosed)
	}
	if cancel != nil {
		cancel()
	}
	return err
}

func (m *Manager) shutdown(reason string) Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal {
		return nil
	}
	m.terminal = true
	m.closeCode = CloseNormal
	m.closeReason = reason
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	switch {
	case m.conn != nil, m.dialing:
		m.status = StatusClosing
	default:
		m.status = StatusClosed
	}
	return m.conn
}

func (m *Manager) run(ctx context.Context, attempt uint64, target string) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	conn, err := m.dialer.Dial(dialCtx, target)
	cancel()

	m.mu.Lock()
	if attempt != m.attempt {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(CloseNormal, ReasonClosed)
		}
		return
	}
	m.dialing = false
	if err != nil {
		m.status = StatusClosed
		m.mu.Unlock()
		m.logger.Warn("channel dial failed",
			observability.F("attempt", attempt),
			observability.F("error", err))
		m.publish(ctx, Event{Kind: EventError, Attempt: attempt, Err: errs.New("ws/dial", errs.CodeTransport,
			errs.WithMessage("dial failed"), errs.WithCause(err))})
		m.publishClose(ctx, attempt, CloseAbnormal, "dial failed")
		return
	}
	if m.terminal {
		code, reason := m.closeCode, m.closeReason
		m.status = StatusClosed
		m.mu.Unlock()
		_ = conn.Close(code, reason)
		m.publishClose(ctx, attempt, code, reason)
		return
	}
	m.conn = conn
	m.status = StatusOpen
	m.backoff.Reset()
	m.mu.Unlock()

	if m.opensCounter != nil {
		m.opensCounter.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	m.logger.Info("auction channel open", observability.F("attempt", attempt))
	m.publish(ctx, Event{Kind: EventOpen, Attempt: attempt})

	m.readLoop(ctx, attempt, conn)
}

func (m *Manager) readLoop(ctx context.Context, attempt uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err == nil {
			m.publish(ctx, Event{Kind: EventMessage, Attempt: attempt, Data: data})
			continue
		}

		m.mu.Lock()
		local := m.terminal
		code, reason := m.closeCode, m.closeReason
		if attempt == m.attempt {
			m.conn = nil
			m.status = StatusClosed
		}
		m.mu.Unlock()

		var ce *CloseError
		switch {
		case local:
			// our own close handshake, whatever the read error says
		case ctx.Err() != nil:
			code, reason = CloseNormal, ReasonClosed
			_ = conn.Close(code, reason)
		case errors.As(err, &ce):
			code, reason = ce.Code, ce.Reason
		default:
			code, reason = CloseAbnormal, "connection lost"
			_ = conn.Close(CloseAbnormal, reason)
			m.logger.Warn("channel read failed",
				observability.F("attempt", attempt),
				observability.F("error", err))
			m.publish(ctx, Event{Kind: EventError, Attempt: attempt, Err: errs.New("ws/read", errs.CodeTransport,
				errs.WithMessage("read failed"), errs.WithCause(err))})
		}
		m.publishClose(ctx, attempt, code, reason)
		return
	}
}

func (m *Manager) publishClose(ctx context.Context, attempt uint64, code int, reason string) {
	if m.closesCounter != nil {
		m.closesCounter.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrCloseCode.Int(code)))
	}
	m.logger.Info("auction channel closed",
		observability.F("attempt", attempt),
		observability.F("code", code),
		observability.F("reason", reason))
	m.publish(ctx, Event{Kind: EventClose, Attempt: attempt, Code: code, Reason: reason})
}

func (m *Manager) publish(ctx context.Context, ev Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}
