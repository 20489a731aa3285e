// Package session owns one observer's view of one live auction. A single goroutine (Run) consumes
// connection events and countdown ticks and applies every state change.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/auctionsync/internal/app/action"
	"github.com/coachpo/auctionsync/internal/app/countdown"
	"github.com/coachpo/auctionsync/internal/app/router"
	"github.com/coachpo/auctionsync/internal/domain/auction"
	"github.com/coachpo/auctionsync/internal/domain/schema"
	"github.com/coachpo/auctionsync/internal/infra/telemetry"
	"github.com/coachpo/auctionsync/internal/infra/transport/ws"
	"github.com/coachpo/auctionsync/internal/observability"
)

// Channel is the connection manager as seen by the session.
type Channel interface {
	Connect(ctx context.Context) error
	Events() <-chan ws.Event
	Status() ws.Status
	Send(ctx context.Context, data []byte) error
	ScheduleReconnect() (time.Duration, bool)
	Finish()
	Close() error
}

// View is a consistent projection for front ends.
type View struct {
	State      auction.State
	Connection ws.Status
	Countdown  string
	Expired    bool
	Pending    action.Pending
}

// Options configures a Session.
type Options struct {
	AuctionID    string
	UserID       string
	EventLogSize int
	Actions      action.Options
	Clock        clockwork.Clock
	Logger       observability.Logger
}

// DefaultEventLogSize bounds the event log when unset.
const DefaultEventLogSize = 200

// Session wires the store, countdown, channel and action dispatcher of one auction.
type Session struct {
	id         uuid.UUID
	auctionID  string
	clock      clockwork.Clock
	logger     observability.Logger
	store      *auction.Store
	countdown  *countdown.Scheduler
	conn       Channel
	dispatcher *action.Dispatcher

	ticks   chan countdown.Tick
	updates chan View
	expired atomic.Bool
	events  *eventLog

	routedCounter  metric.Int64Counter
	ignoredCounter metric.Int64Counter
	schemaCounter  metric.Int64Counter
}

// New creates a session. Nothing happens until Run.
func New(conn Channel, commander action.Commander, opts Options) *Session {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := observability.OrDefault(opts.Logger)
	size := opts.EventLogSize
	if size <= 0 {
		size = DefaultEventLogSize
	}
	s := &Session{
		id:        uuid.New(),
		auctionID: opts.AuctionID,
		clock:     clock,
		logger:    logger,
		store:     auction.NewStore(opts.AuctionID, logger),
		conn:      conn,
		ticks:     make(chan countdown.Tick, 1),
		updates:   make(chan View, 1),
		events:    newEventLog(size),
	}
	s.countdown = countdown.NewScheduler(clock, s.postTick)

	actionOpts := opts.Actions
	actionOpts.AuctionID = opts.AuctionID
	actionOpts.UserID = opts.UserID
	actionOpts.Clock = clock
	actionOpts.Logger = logger
	s.dispatcher = action.NewDispatcher(conn, commander, actionOpts)
	s.dispatcher.OnChange(func(action.Pending) { s.publish() })

	meter := otel.Meter("session")
	s.routedCounter, _ = meter.Int64Counter("session.events.routed",
		metric.WithDescription("Inbound auction events by type"),
		metric.WithUnit("{event}"))
	s.ignoredCounter, _ = meter.Int64Counter("session.events.ignored",
		metric.WithDescription("Inbound auction events that caused no change"),
		metric.WithUnit("{event}"))
	s.schemaCounter, _ = meter.Int64Counter("session.snapshot.schema",
		metric.WithDescription("Snapshots by payload naming convention"),
		metric.WithUnit("{snapshot}"))
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// Updates delivers the latest view after each change. Intermediate views may be skipped.
func (s *Session) Updates() <-chan View { return s.updates }

// State returns the canonical auction state.
func (s *Session) State() auction.State { return s.store.State() }

// Log returns the most recent event log lines, oldest first.
func (s *Session) Log() []string { return s.events.lines() }

// View returns the current projection.
func (s *Session) View() View {
	return View{
		State:      s.store.State(),
		Connection: s.conn.Status(),
		Countdown:  s.countdown.Display(),
		Expired:    s.expired.Load(),
		Pending:    s.dispatcher.Pending(),
	}
}

// Run connects and reconciles until the auction is finished and the channel closed, or ctx ends.
func (s *Session) Run(ctx context.Context) error {
	if err := s.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.logger.Info("session started",
		observability.F("session_id", s.id.String()),
		observability.F("auction_id", s.auctionID))
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			s.record("session abandoned")
			return ctx.Err()
		case ev := <-s.conn.Events():
			if s.handleConnection(ctx, ev) {
				return nil
			}
		case tick := <-s.ticks:
			s.handleTick(tick)
		}
		s.publish()
	}
}

// PlaceBid submits a bid for the auction.
func (s *Session) PlaceBid(ctx context.Context, amount decimal.Decimal) error {
	if err := s.dispatcher.PlaceBid(ctx, amount); err != nil {
		s.record("bid refused: " + err.Error())
		return err
	}
	s.record("bid " + amount.String() + " sent")
	return nil
}

// StartAuction asks the service to start the auction.
func (s *Session) StartAuction(ctx context.Context) error {
	if err := s.dispatcher.StartAuction(ctx); err != nil {
		s.record("start failed: " + err.Error())
		return err
	}
	s.record("start requested")
	return nil
}

// StopAuction asks the service to stop the auction.
func (s *Session) StopAuction(ctx context.Context) error {
	if err := s.dispatcher.StopAuction(ctx); err != nil {
		s.record("stop failed: " + err.Error())
		return err
	}
	s.record("stop requested")
	return nil
}

func (s *Session) handleConnection(ctx context.Context, ev ws.Event) bool {
	switch ev.Kind {
	case ws.EventOpen:
		s.record("connected")
	case ws.EventMessage:
		return s.handleMessage(ctx, ev.Data)
	case ws.EventError:
		// the close event that follows drives the state machine
		s.logger.Warn("channel error",
			observability.F("session_id", s.id.String()),
			observability.F("error", ev.Err))
	case ws.EventClose:
		s.countdown.Stop()
		if s.store.State().Finished() {
			s.conn.Finish()
			s.record("auction ended, no reconnection")
			return true
		}
		if delay, ok := s.conn.ScheduleReconnect(); ok {
			s.record(fmt.Sprintf("disconnected (code %d), retrying in %s", ev.Code, delay))
		} else {
			s.record(fmt.Sprintf("disconnected (code %d)", ev.Code))
		}
	}
	return false
}

func (s *Session) handleMessage(ctx context.Context, frame []byte) bool {
	msg, err := schema.Decode(frame)
	if err != nil {
		s.logger.Warn("dropping malformed frame",
			observability.F("session_id", s.id.String()),
			observability.F("error", err))
		s.record("malformed frame dropped")
		return false
	}
	s.count(ctx, s.routedCounter, telemetry.EventAttributes(string(msg.Kind)))
	if msg.Kind == schema.KindSnapshot {
		s.count(ctx, s.schemaCounter, append(telemetry.EventAttributes(string(msg.Kind)),
			telemetry.AttrSchema.String(string(auction.DetectSchema(msg.Body)))))
	}

	next, effects := router.Route(s.store.State(), msg)
	for _, eff := range effects {
		switch e := eff.(type) {
		case router.Mutate:
			s.store.Apply(e.Mutation)
		case router.StartCountdown:
			s.expired.Store(false)
			s.countdown.Start(e.Deadline)
		case router.StopCountdown:
			s.expired.Store(false)
			s.countdown.Stop()
		case router.Finalize:
			s.finalize(e.Reason)
		case router.AckBid:
			s.dispatcher.Ack()
			s.record("bid acknowledged")
		case router.RejectBid:
			s.dispatcher.Reject(e.Message)
			s.record("error: " + e.Message)
		case router.Ignore:
			s.count(ctx, s.ignoredCounter, append(telemetry.EventAttributes(string(msg.Kind)),
				telemetry.AttrReason.String(e.Reason)))
			s.logger.Debug("event ignored",
				observability.F("session_id", s.id.String()),
				observability.F("event", e.Event),
				observability.F("reason", e.Reason))
		}
	}
	s.describe(msg, next)

	// finalized with no live socket left to close: nothing further will arrive
	if s.store.State().Finished() && s.conn.Status() == ws.StatusClosed {
		s.record("auction ended, no reconnection")
		return true
	}
	return false
}

// finalize freezes the state, stops the countdown and closes the channel. Each step is idempotent.
func (s *Session) finalize(reason string) {
	first := s.store.Finish()
	s.countdown.Stop()
	s.conn.Finish()
	if first {
		s.logger.Info("auction finished",
			observability.F("session_id", s.id.String()),
			observability.F("auction_id", s.auctionID),
			observability.F("reason", reason))
	}
}

func (s *Session) describe(msg schema.Message, next auction.State) {
	switch msg.Kind {
	case schema.KindSnapshot:
		s.record("snapshot received: " + describeState(next))
	case schema.KindStart:
		s.record("auction started")
	case schema.KindBid:
		s.record(fmt.Sprintf("high bid %s by %s", next.HighBid, next.HighBidder))
	case schema.KindStop:
		s.record("auction finished")
	case schema.KindUnknown:
		s.record("unknown event " + msg.Tag)
	}
}

func describeState(st auction.State) string {
	deadline := "unknown"
	if !st.Deadline.IsZero() {
		deadline = st.Deadline.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("status=%s high_bid=%s bidder=%s ends=%s", st.Status, st.HighBid, st.HighBidder, deadline)
}

func (s *Session) handleTick(tick countdown.Tick) {
	// a tick emitted just before a restart or stop belongs to a countdown that no longer exists
	if !s.countdown.Current(tick) {
		return
	}
	if tick.Expired && !s.expired.Swap(true) {
		s.record("countdown reached zero")
	}
}

// postTick is the countdown sink. Only the newest tick is kept.
func (s *Session) postTick(tick countdown.Tick) {
	for {
		select {
		case s.ticks <- tick:
			return
		default:
		}
		select {
		case <-s.ticks:
		default:
		}
	}
}

func (s *Session) publish() {
	view := s.View()
	for {
		select {
		case s.updates <- view:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

func (s *Session) shutdown() {
	s.countdown.Stop()
	s.dispatcher.Close()
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("channel close", observability.F("error", err))
	}
	s.publish()
	s.logger.Info("session ended", observability.F("session_id", s.id.String()))
}

func (s *Session) record(line string) {
	s.events.add(s.clock.Now(), line)
}

func (s *Session) count(ctx context.Context, counter metric.Int64Counter, attrs []attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(s.metricAttributes(attrs)...))
}

func (s *Session) metricAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	return append(attrs, telemetry.AttrAuctionID.String(s.auctionID))
}

type eventLog struct {
	mu   sync.Mutex
	buf  []string
	next int
	full bool
}

func newEventLog(size int) *eventLog {
	return &eventLog{buf: make([]string, size)}
}

func (l *eventLog) add(at time.Time, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = at.Format("15:04:05") + " " + line
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

func (l *eventLog) lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]string(nil), l.buf[:l.next]...)
	}
	out := make([]string, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	return append(out, l.buf[:l.next]...)
}
