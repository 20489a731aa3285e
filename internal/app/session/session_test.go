package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/coachpo/auctionsync/errs"
	"github.com/coachpo/auctionsync/internal/app/action"
	"github.com/coachpo/auctionsync/internal/app/countdown"
	"github.com/coachpo/auctionsync/internal/domain/auction"
	"github.com/coachpo/auctionsync/internal/infra/telemetry"
	"github.com/coachpo/auctionsync/internal/infra/transport/ws"
	"github.com/coachpo/auctionsync/internal/infra/transport/ws/wstest"
)

const (
	waitFor = 2 * time.Second
	pollFor = 5 * time.Millisecond
)

type nopCommander struct{}

func (nopCommander) StartAuction(context.Context, string, string, time.Time) error { return nil }
func (nopCommander) StopAuction(context.Context, string, string) error             { return nil }

type harness struct {
	session *Session
	manager *ws.Manager
	dialer  *wstest.Dialer
	clock   *clockwork.FakeClock
	done    chan error
	cancel  context.CancelFunc
}

func start(t *testing.T, conns ...*wstest.Conn) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Unix(1_699_999_700, 0))
	dialer := wstest.NewDialer()
	for _, c := range conns {
		dialer.QueueConn(c)
	}
	manager := ws.NewManager(ws.Options{
		BaseURL:   "http://auctions.test",
		AuctionID: "a1",
		UserID:    "u1",
		Dialer:    dialer,
		Clock:     clock,
	})
	s := New(manager, nopCommander{}, Options{
		AuctionID: "a1",
		UserID:    "u1",
		Clock:     clock,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{session: s, manager: manager, dialer: dialer, clock: clock, done: make(chan error, 1), cancel: cancel}
	go func() { h.done <- s.Run(ctx) }()
	t.Cleanup(cancel)
	require.Eventually(t, func() bool { return manager.Status() == ws.StatusOpen }, waitFor, pollFor)
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitFor):
		t.Fatal("session did not end")
		return nil
	}
}

func (h *harness) eventually(t *testing.T, cond func(auction.State) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.session.State()) }, waitFor, pollFor)
}

const runningSnapshot = `{"event":"auctions/snapshot","body":{"ea":1700000000,"hb":50,"hbid":"u1","st":"RUNNING"}}`

func TestSnapshotPopulatesStateAndStartsCountdown(t *testing.T) {
	conn := wstest.NewConn()
	h := start(t, conn)

	conn.Push(runningSnapshot)
	h.eventually(t, func(st auction.State) bool { return st.Status == auction.StatusRunning })

	st := h.session.State()
	require.Equal(t, int64(1700000000), st.Deadline.Unix())
	require.Equal(t, "50", st.HighBid.String())
	require.Equal(t, "u1", st.HighBidder)
	require.Eventually(t, func() bool { return h.session.View().Countdown == "05:00" }, waitFor, pollFor)
}

func TestSnapshotWithoutDeadlineStopsCountdown(t *testing.T) {
	conn := wstest.NewConn()
	h := start(t, conn)

	conn.Push(runningSnapshot)
	require.Eventually(t, func() bool { return h.session.View().Countdown == "05:00" }, waitFor, pollFor)

	conn.Push(`{"event":"auctions/snapshot","body":{"hb":60,"hbid":"u2","st":"RUNNING"}}`)
	h.eventually(t, func(st auction.State) bool { return st.HighBidder == "u2" })

	require.True(t, h.session.State().Deadline.IsZero())
	require.Eventually(t, func() bool { return h.session.View().Countdown == countdown.Unknown }, waitFor, pollFor)
	require.False(t, h.session.View().Expired)
}

func TestLateExpiredTickOfReplacedCountdownIsIgnored(t *testing.T) {
	conn := wstest.NewConn()
	h := start(t, conn)

	conn.Push(runningSnapshot)
	require.Eventually(t, func() bool { return h.session.View().Countdown == "05:00" }, waitFor, pollFor)

	// a zero Tick carries the generation of no countdown started since
	h.session.handleTick(countdown.Tick{Expired: true, Display: countdown.Unknown})
	require.False(t, h.session.View().Expired)
	require.Equal(t, "05:00", h.session.View().Countdown)
}

func TestMetricAttributesCarryAuctionID(t *testing.T) {
	manager := ws.NewManager(ws.Options{BaseURL: "http://auctions.test", AuctionID: "a1", UserID: "u1", Dialer: wstest.NewDialer()})
	s := New(manager, nopCommander{}, Options{AuctionID: "a1", UserID: "u1"})

	attrs := s.metricAttributes([]attribute.KeyValue{telemetry.AttrEventType.String("auctions/bid")})
	require.Contains(t, attrs, telemetry.AttrAuctionID.String("a1"))
	require.Contains(t, attrs, telemetry.AttrEventType.String("auctions/bid"))
}

func TestBidDeltaUpdatesOnlyBidFields(t *testing.T) {
	conn := wstest.NewConn()
	h := start(t, conn)

	conn.Push(runningSnapshot)
	conn.Push(`{"event":"auctions/bid","body":{"amount":75,"bidder":"u2"}}`)
	h.eventually(t, func(st auction.State) bool { return st.HighBidder == "u2" })

	st := h.session.State()
	require.Equal(t, "75", st.HighBid.String())
	require.Equal(t, int64(1700000000), st.Deadline.Unix())
	require.Equal(t, auction.StatusRunning, st.Status)
}

func TestStopFinishesAndDoesNotReconnect(t *testing.T) {
	conn := wstest.NewConn()
	h := start(t, conn)

	conn.Push(runningSnapshot)
	conn.Push(`{"event":"auctions/stop","body":{}}`)
	require.NoError(t, h.wait(t))

	require.Equal(t, auction.StatusFinished, h.session.State().Status)
	require.Equal(t, countdown.Unknown, h.session.View().Countdown)
	code, reason, closed := conn.ClosedBy()
	require.True(t, closed)
	require.Equal(t, 1000, code)
	require.Equal(t, "auction finished", reason)

	h.clock.Advance(time.Minute)
	require.Equal(t, uint64(1), h.manager.Attempts())
	require.Contains(t, h.session.Log()[len(h.session.Log())-1], "no reconnection")
}

func TestStopFollowedByServerCloseDoesNotReconnect(t *testing.T) {
	conn := wstest.NewConn()
	h := start(t, conn)

	conn.Push(`{"event":"auctions/stop","body":{}}`)
	conn.RemoteClose(1000, "auction finished")
	require.NoError(t, h.wait(t))
	require.True(t, h.session.State().Finished())
	require.Equal(t, uint64(1), h.manager.Attempts())
}

func TestFinishedSnapshotRunsFinalizeSequence(t *testing.T) {
	conn := wstest.NewConn()
	h := start(t, conn)

	conn.Push(`{"event":"snapshot","data":{"endsAt":1700000000,"highBid":90,"highBidder":"u7","status":"FINISHED"}}`)
	require.NoError(t, h.wait(t))

	st := h.session.State()
	require.True(t, st.Finished())
	require.Equal(t, "90", st.HighBid.String())
	code, _, closed := conn.ClosedBy()
	require.True(t, closed)
	require.Equal(t, ws.CloseNormal, code)
}

func TestUnexpectedCloseSchedulesReconnect(t *testing.T) {
	first := wstest.NewConn()
	second := wstest.NewConn()
	h := start(t, first, second)

	first.Push(`{"event":"auctions/bid","body":{"amount":10,"bidder":"u3"}}`)
	h.eventually(t, func(st auction.State) bool { return st.HighBidder == "u3" })
	first.Drop(errors.New("network down"))

	require.Eventually(t, func() bool { return h.manager.Status() == ws.StatusClosed }, waitFor, pollFor)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(3 * time.Second)

	require.Eventually(t, func() bool { return h.manager.Status() == ws.StatusOpen }, waitFor, pollFor)
	require.Equal(t, uint64(2), h.manager.Attempts())

	// state survives the reconnect and is refreshed by the next snapshot
	require.Equal(t, "u3", h.session.State().HighBidder)
	second.Push(runningSnapshot)
	h.eventually(t, func(st auction.State) bool { return st.Status == auction.StatusRunning })
}

func TestPlaceBidZeroSendsNothing(t *testing.T) {
	conn := wstest.NewConn()
	h := start(t, conn)

	err := h.session.PlaceBid(context.Background(), decimal.Zero)
	require.True(t, errs.Is(err, errs.CodeValidation))
	require.Empty(t, conn.Sent())
	require.Equal(t, action.StateNone, h.session.View().Pending.State)
}

func TestBidRoundTripWithAck(t *testing.T) {
	conn := wstest.NewConn()
	h := start(t, conn)

	require.NoError(t, h.session.PlaceBid(context.Background(), decimal.NewFromInt(60)))
	frame, ok := conn.NextWrite(waitFor)
	require.True(t, ok)
	require.JSONEq(t, `{"event":"auctions/bid","body":{"amount":60}}`, string(frame))
	require.Equal(t, action.StateSent, h.session.View().Pending.State)

	conn.Push(`{"event":"auctions/bid-ack","body":{}}`)
	require.Eventually(t, func() bool { return h.session.View().Pending.State == action.StateAcked }, waitFor, pollFor)
}

func TestServerErrorRejectsPendingBid(t *testing.T) {
	conn := wstest.NewConn()
	h := start(t, conn)

	require.NoError(t, h.session.PlaceBid(context.Background(), decimal.NewFromInt(5)))
	conn.Push(`{"event":"error","body":{"error":"bid below current high bid"}}`)
	require.Eventually(t, func() bool { return h.session.View().Pending.State == action.StateErrored }, waitFor, pollFor)

	pending := h.session.View().Pending
	require.True(t, errs.Is(pending.Err, errs.CodeProtocol))
	require.True(t, pending.CanBid())
}

func TestCancelAbandonsSession(t *testing.T) {
	conn := wstest.NewConn()
	h := start(t, conn)

	h.cancel()
	err := h.wait(t)
	require.ErrorIs(t, err, context.Canceled)
	code, reason, closed := conn.ClosedBy()
	require.True(t, closed)
	require.Equal(t, ws.CloseNormal, code)
	require.Equal(t, ws.ReasonClosed, reason)
}

func TestRunRejectsMissingParticipant(t *testing.T) {
	manager := ws.NewManager(ws.Options{BaseURL: "http://auctions.test", AuctionID: "a1"})
	s := New(manager, nopCommander{}, Options{AuctionID: "a1"})
	err := s.Run(context.Background())
	require.True(t, errs.Is(err, errs.CodeValidation))
}

func TestUpdatesDeliverLatestView(t *testing.T) {
	conn := wstest.NewConn()
	h := start(t, conn)

	conn.Push(runningSnapshot)
	require.Eventually(t, func() bool {
		select {
		case v := <-h.session.Updates():
			return v.State.Status == auction.StatusRunning && v.Connection == ws.StatusOpen
		default:
			return false
		}
	}, waitFor, pollFor)
}

func TestEventLogIsBounded(t *testing.T) {
	log := newEventLog(3)
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		log.add(at, fmt.Sprintf("line %d", i))
	}
	require.Equal(t, []string{"12:00:00 line 2", "12:00:00 line 3", "12:00:00 line 4"}, log.lines())
}
