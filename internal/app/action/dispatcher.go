// Package action relays user commands: bids over the duplex channel, start and stop over HTTP.
package action

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/auctionsync/errs"
	"github.com/coachpo/auctionsync/internal/domain/schema"
	"github.com/coachpo/auctionsync/internal/infra/telemetry"
	"github.com/coachpo/auctionsync/internal/infra/transport/ws"
	"github.com/coachpo/auctionsync/internal/observability"
)

// State of the pending bid.
type State string

const (
	StateNone    State = "NONE"
	StateSent    State = "SENT"
	StateAcked   State = "ACKED"
	StateErrored State = "ERRORED"
)

// Pending is the single outstanding bid. Only the dispatcher mutates it.
type Pending struct {
	ID         uuid.UUID
	State      State
	Amount     decimal.Decimal
	Err        error
	SentAt     time.Time
	ResolvedAt time.Time
}

// CanBid reports whether a new bid may be submitted.
func (p Pending) CanBid() bool {
	return p.State != StateSent
}

// Sender is the channel side used for bids.
type Sender interface {
	Status() ws.Status
	Send(ctx context.Context, data []byte) error
}

// Commander is the request/response side used for start and stop.
type Commander interface {
	StartAuction(ctx context.Context, auctionID, sellerID string, endsAt time.Time) error
	StopAuction(ctx context.Context, auctionID, userID string) error
}

// Options configures a Dispatcher.
type Options struct {
	AuctionID string
	UserID    string

	// BidTimeout bounds how long a bid may stay SENT. Zero disables the bound.
	BidTimeout time.Duration
	// BidRate limits bids per second; zero means unlimited.
	BidRate  float64
	BidBurst int
	// StartDuration is the running time requested when starting an auction.
	StartDuration time.Duration

	Clock  clockwork.Clock
	Logger observability.Logger
}

// DefaultStartDuration is used when Options.StartDuration is unset.
const DefaultStartDuration = 5 * time.Minute

// Dispatcher owns the pending bid and relays commands.
type Dispatcher struct {
	opts      Options
	sender    Sender
	commander Commander
	clock     clockwork.Clock
	logger    observability.Logger
	limiter   *rate.Limiter

	mu        sync.Mutex
	pending   Pending
	timer     clockwork.Timer
	observers []func(Pending)

	bidsCounter      metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

// NewDispatcher wires a dispatcher to its channel and HTTP collaborators.
func NewDispatcher(sender Sender, commander Commander, opts Options) *Dispatcher {
	if opts.StartDuration <= 0 {
		opts.StartDuration = DefaultStartDuration
	}
	if opts.BidBurst <= 0 {
		opts.BidBurst = 1
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	limit := rate.Inf
	if opts.BidRate > 0 {
		limit = rate.Limit(opts.BidRate)
	}
	d := &Dispatcher{
		opts:      opts,
		sender:    sender,
		commander: commander,
		clock:     clock,
		logger:    observability.OrDefault(opts.Logger),
		limiter:   rate.NewLimiter(limit, opts.BidBurst),
		mu:        sync.Mutex{},
		pending:   Pending{State: StateNone},
		timer:     nil,
		observers: nil,
	}

	meter := otel.Meter("action")
	d.bidsCounter, _ = meter.Int64Counter("action.bids",
		metric.WithDescription("Bids by outcome"),
		metric.WithUnit("{bid}"))
	d.latencyHistogram, _ = meter.Float64Histogram("action.bid.latency",
		metric.WithDescription("Bid acknowledgement latency"),
		metric.WithUnit("ms"))
	return d
}

// OnChange registers an observer called after every pending-bid transition.
func (d *Dispatcher) OnChange(fn func(Pending)) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

// Pending returns a copy of the pending bid.
func (d *Dispatcher) Pending() Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// PlaceBid sends a bid. Validation failures happen before any I/O.
func (d *Dispatcher) PlaceBid(ctx context.Context, amount decimal.Decimal) error {
	d.mu.Lock()
	if status := d.sender.Status(); status != ws.StatusOpen {
		d.mu.Unlock()
		d.recordBid("refused")
		return errs.New("action/bid", errs.CodeValidation,
			errs.WithMessage("channel not connected"),
			errs.WithField("status", string(status)))
	}
	if !amount.IsPositive() {
		d.mu.Unlock()
		d.recordBid("refused")
		return errs.New("action/bid", errs.CodeValidation,
			errs.WithMessage("bid amount must be positive"),
			errs.WithField("amount", amount.String()))
	}
	if d.pending.State == StateSent {
		d.mu.Unlock()
		d.recordBid("refused")
		return errs.New("action/bid", errs.CodeValidation, errs.WithMessage("a bid is already pending"))
	}
	now := d.clock.Now()
	if !d.limiter.AllowN(now, 1) {
		d.mu.Unlock()
		d.recordBid("refused")
		return errs.New("action/bid", errs.CodeValidation, errs.WithMessage("bidding too fast"))
	}
	frame, err := schema.EncodeBid(amount)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	id := uuid.New()
	d.pending = Pending{
		ID:         id,
		State:      StateSent,
		Amount:     amount,
		Err:        nil,
		SentAt:     now,
		ResolvedAt: time.Time{},
	}
	d.stopTimerLocked()
	d.mu.Unlock()
	d.notify()

	if err := d.sender.Send(ctx, frame); err != nil {
		d.resolve(id, StateErrored, err, telemetry.ResultError)
		return err
	}
	d.recordBid("sent")
	d.logger.Info("bid sent",
		observability.F("auction_id", d.opts.AuctionID),
		observability.F("bid_id", id.String()),
		observability.F("amount", amount.String()))

	if d.opts.BidTimeout > 0 {
		d.mu.Lock()
		if d.pending.ID == id && d.pending.State == StateSent {
			d.timer = d.clock.AfterFunc(d.opts.BidTimeout, func() { d.expire(id) })
		}
		d.mu.Unlock()
	}
	return nil
}

// Ack resolves the pending bid as acknowledged. It reports false when no bid was pending.
func (d *Dispatcher) Ack() bool {
	d.mu.Lock()
	id := d.pending.ID
	sent := d.pending.State == StateSent
	d.mu.Unlock()
	if !sent {
		d.logger.Debug("acknowledgement without pending bid", observability.F("auction_id", d.opts.AuctionID))
		return false
	}
	return d.resolve(id, StateAcked, nil, telemetry.ResultAcked)
}

// Reject records a server error on the pending bid and re-enables bidding.
func (d *Dispatcher) Reject(message string) {
	err := errs.New("action/bid", errs.CodeProtocol, errs.WithMessage(message))
	d.mu.Lock()
	id := d.pending.ID
	sent := d.pending.State == StateSent
	d.mu.Unlock()
	if sent {
		d.resolve(id, StateErrored, err, telemetry.ResultRejected)
		return
	}
	// surface the error even without a bid in flight
	d.mu.Lock()
	d.pending.State = StateErrored
	d.pending.Err = err
	d.pending.ResolvedAt = d.clock.Now()
	d.mu.Unlock()
	d.notify()
}

// StartAuction asks the server to start the auction for StartDuration with the participant as seller.
func (d *Dispatcher) StartAuction(ctx context.Context) error {
	if strings.TrimSpace(d.opts.UserID) == "" {
		return errs.New("action/start", errs.CodeValidation, errs.WithMessage("user id is required to start an auction"))
	}
	endsAt := d.clock.Now().Add(d.opts.StartDuration).UTC()
	if err := d.commander.StartAuction(ctx, d.opts.AuctionID, d.opts.UserID, endsAt); err != nil {
		return fmt.Errorf("start auction %s: %w", d.opts.AuctionID, err)
	}
	d.logger.Info("auction start requested",
		observability.F("auction_id", d.opts.AuctionID),
		observability.F("ends_at", endsAt.Format(time.RFC3339)))
	return nil
}

// StopAuction asks the server to stop the auction.
func (d *Dispatcher) StopAuction(ctx context.Context) error {
	if err := d.commander.StopAuction(ctx, d.opts.AuctionID, d.opts.UserID); err != nil {
		return fmt.Errorf("stop auction %s: %w", d.opts.AuctionID, err)
	}
	d.logger.Info("auction stop requested", observability.F("auction_id", d.opts.AuctionID))
	return nil
}

// Close cancels the bid timeout.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.stopTimerLocked()
	d.mu.Unlock()
}

func (d *Dispatcher) expire(id uuid.UUID) {
	err := errs.New("action/bid", errs.CodeTimeout,
		errs.WithMessage("no acknowledgement received"),
		errs.WithField("timeout", d.opts.BidTimeout.String()))
	if d.resolve(id, StateErrored, err, telemetry.ResultTimeout) {
		d.logger.Warn("bid timed out",
			observability.F("auction_id", d.opts.AuctionID),
			observability.F("bid_id", id.String()))
	}
}

// resolve moves the bid id out of SENT. Late resolutions of an older bid are dropped.
func (d *Dispatcher) resolve(id uuid.UUID, state State, err error, result string) bool {
	d.mu.Lock()
	if d.pending.ID != id || d.pending.State != StateSent {
		d.mu.Unlock()
		return false
	}
	now := d.clock.Now()
	d.pending.State = state
	d.pending.Err = err
	d.pending.ResolvedAt = now
	latency := now.Sub(d.pending.SentAt)
	d.stopTimerLocked()
	d.mu.Unlock()

	d.recordBid(result)
	if state == StateAcked && d.latencyHistogram != nil {
		d.latencyHistogram.Record(context.Background(), float64(latency.Milliseconds()),
			metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	d.notify()
	return true
}

func (d *Dispatcher) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Dispatcher) notify() {
	d.mu.Lock()
	snapshot := d.pending
	observers := append([]func(Pending){}, d.observers...)
	d.mu.Unlock()
	for _, fn := range observers {
		fn(snapshot)
	}
}

func (d *Dispatcher) recordBid(result string) {
	if d.bidsCounter == nil {
		return
	}
	d.bidsCounter.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result)))
}
