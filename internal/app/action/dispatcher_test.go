package action

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/auctionsync/errs"
	"github.com/coachpo/auctionsync/internal/infra/transport/ws"
)

type fakeSender struct {
	mu     sync.Mutex
	status ws.Status
	frames []string
	err    error
}

func (f *fakeSender) Status() ws.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSender) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, string(data))
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

type startCall struct {
	auctionID, sellerID string
	endsAt              time.Time
}

type fakeCommander struct {
	starts []startCall
	stops  []string
	err    error
}

func (f *fakeCommander) StartAuction(_ context.Context, auctionID, sellerID string, endsAt time.Time) error {
	f.starts = append(f.starts, startCall{auctionID, sellerID, endsAt})
	return f.err
}

func (f *fakeCommander) StopAuction(_ context.Context, auctionID, userID string) error {
	f.stops = append(f.stops, auctionID+"/"+userID)
	return f.err
}

func newDispatcher(t *testing.T, opts Options) (*Dispatcher, *fakeSender, *fakeCommander, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, time.July, 27, 16, 0, 0, 0, time.UTC))
	sender := &fakeSender{status: ws.StatusOpen}
	commander := &fakeCommander{}
	if opts.AuctionID == "" {
		opts.AuctionID = "a1"
	}
	if opts.UserID == "" {
		opts.UserID = "u1"
	}
	opts.Clock = clock
	d := NewDispatcher(sender, commander, opts)
	t.Cleanup(d.Close)
	return d, sender, commander, clock
}

func TestPlaceBidSendsNumericAmount(t *testing.T) {
	d, sender, _, _ := newDispatcher(t, Options{})

	require.NoError(t, d.PlaceBid(context.Background(), decimal.NewFromInt(100)))
	frames := sender.sent()
	require.Len(t, frames, 1)
	require.JSONEq(t, `{"event":"auctions/bid","body":{"amount":100}}`, frames[0])

	p := d.Pending()
	require.Equal(t, StateSent, p.State)
	require.False(t, p.CanBid())
	require.Equal(t, "100", p.Amount.String())
}

func TestPlaceBidValidationHappensBeforeIO(t *testing.T) {
	d, sender, _, _ := newDispatcher(t, Options{})

	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
		err := d.PlaceBid(context.Background(), amount)
		require.True(t, errs.Is(err, errs.CodeValidation))
	}

	sender.status = ws.StatusClosed
	err := d.PlaceBid(context.Background(), decimal.NewFromInt(10))
	require.True(t, errs.Is(err, errs.CodeValidation))

	require.Empty(t, sender.sent())
	require.Equal(t, StateNone, d.Pending().State)
}

func TestPlaceBidRejectsSecondBidWhilePending(t *testing.T) {
	d, sender, _, _ := newDispatcher(t, Options{})

	require.NoError(t, d.PlaceBid(context.Background(), decimal.NewFromInt(10)))
	err := d.PlaceBid(context.Background(), decimal.NewFromInt(20))
	require.True(t, errs.Is(err, errs.CodeValidation))
	require.Len(t, sender.sent(), 1)

	require.True(t, d.Ack())
	require.NoError(t, d.PlaceBid(context.Background(), decimal.NewFromInt(20)))
	require.Len(t, sender.sent(), 2)
}

func TestAckAndRejectResolvePending(t *testing.T) {
	d, _, _, _ := newDispatcher(t, Options{})
	var seen []State
	d.OnChange(func(p Pending) { seen = append(seen, p.State) })

	require.False(t, d.Ack())

	require.NoError(t, d.PlaceBid(context.Background(), decimal.NewFromInt(10)))
	require.True(t, d.Ack())
	require.Equal(t, StateAcked, d.Pending().State)
	require.NoError(t, d.Pending().Err)

	require.NoError(t, d.PlaceBid(context.Background(), decimal.NewFromInt(11)))
	d.Reject("bid too low")
	p := d.Pending()
	require.Equal(t, StateErrored, p.State)
	require.True(t, errs.Is(p.Err, errs.CodeProtocol))
	require.True(t, p.CanBid())

	require.Equal(t, []State{StateSent, StateAcked, StateSent, StateErrored}, seen)
}


func TestRejectWithoutPendingSurfacesError(t *testing.T) {
	d, _, _, _ := newDispatcher(t, Options{})
	d.Reject("auction not running")

	p := d.Pending()
	require.Equal(t, StateErrored, p.State)
	var e *errs.E
	require.ErrorAs(t, p.Err, &e)
	require.Equal(t, errs.CodeProtocol, e.Code)
	require.Equal(t, "auction not running", e.Message)
}

func TestBidTimeoutMovesPendingToErrored(t *testing.T) {
	d, _, _, clock := newDispatcher(t, Options{BidTimeout: 15 * time.Second})
	resolved := make(chan Pending, 4)
	d.OnChange(func(p Pending) {
		if p.State != StateSent {
			resolved <- p
		}
	})

	require.NoError(t, d.PlaceBid(context.Background(), decimal.NewFromInt(10)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(15 * time.Second)

	select {
	case p := <-resolved:
		require.Equal(t, StateErrored, p.State)
		require.True(t, errs.Is(p.Err, errs.CodeTimeout))
	case <-time.After(2 * time.Second):
		t.Fatal("bid did not time out")
	}

	// a late acknowledgement no longer changes anything
	require.False(t, d.Ack())
	require.Equal(t, StateErrored, d.Pending().State)
}

func TestAckCancelsBidTimeout(t *testing.T) {
	d, _, _, clock := newDispatcher(t, Options{BidTimeout: 5 * time.Second})

	require.NoError(t, d.PlaceBid(context.Background(), decimal.NewFromInt(10)))
	require.True(t, d.Ack())
	clock.Advance(time.Minute)
	require.Equal(t, StateAcked, d.Pending().State)
}

func TestSendFailureReenablesBidding(t *testing.T) {
	d, sender, _, _ := newDispatcher(t, Options{})
	sender.err = errs.New("ws/send", errs.CodeTransport, errs.WithMessage("write failed"))

	err := d.PlaceBid(context.Background(), decimal.NewFromInt(10))
	require.True(t, errs.Is(err, errs.CodeTransport))
	p := d.Pending()
	require.Equal(t, StateErrored, p.State)
	require.True(t, p.CanBid())
}

func TestBidRateLimit(t *testing.T) {
	d, sender, _, clock := newDispatcher(t, Options{BidRate: 1, BidBurst: 1})

	require.NoError(t, d.PlaceBid(context.Background(), decimal.NewFromInt(10)))
	require.True(t, d.Ack())

	err := d.PlaceBid(context.Background(), decimal.NewFromInt(11))
	require.True(t, errs.Is(err, errs.CodeValidation))
	require.Len(t, sender.sent(), 1)

	clock.Advance(time.Second)
	require.NoError(t, d.PlaceBid(context.Background(), decimal.NewFromInt(11)))
	require.Len(t, sender.sent(), 2)
}

func TestStartAuctionUsesParticipantAsSeller(t *testing.T) {
	d, _, commander, clock := newDispatcher(t, Options{StartDuration: 5 * time.Minute})

	require.NoError(t, d.StartAuction(context.Background()))
	require.Len(t, commander.starts, 1)
	call := commander.starts[0]
	require.Equal(t, "a1", call.auctionID)
	require.Equal(t, "u1", call.sellerID)
	require.True(t, call.endsAt.Equal(clock.Now().Add(5*time.Minute)))
}

func TestStopAuctionPropagatesRequestError(t *testing.T) {
	d, _, commander, _ := newDispatcher(t, Options{})
	commander.err = errs.New("api/stop", errs.CodeRequest, errs.WithHTTP(403), errs.WithMessage("not the seller"))

	err := d.StopAuction(context.Background())
	require.True(t, errs.Is(err, errs.CodeRequest))
	require.Equal(t, []string{"a1/u1"}, commander.stops)

	commander.err = errors.New("boom")
	require.Error(t, d.StartAuction(context.Background()))
}
