package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/auctionsync/internal/domain/auction"
	"github.com/coachpo/auctionsync/internal/domain/schema"
)

func decode(t *testing.T, frame string) schema.Message {
	t.Helper()
	msg, err := schema.Decode([]byte(frame))
	require.NoError(t, err)
	return msg
}

// replay applies the Mutate effects to a store and checks the prediction matches.
func replay(t *testing.T, state auction.State, next auction.State, effects []Effect) {
	t.Helper()
	store := auction.NewStore(state.AuctionID, nil)
	store.Apply(setState(state))
	for _, eff := range effects {
		switch e := eff.(type) {
		case Mutate:
			store.Apply(e.Mutation)
		case Finalize:
			store.Finish()
		}
	}
	require.True(t, next.Equal(store.State()), "predicted %+v, store holds %+v", next, store.State())
}

type setState auction.State

func (s setState) Mutate(auction.State) (auction.State, error) { return auction.State(s), nil }

func TestRouteSnapshotStartsCountdown(t *testing.T) {
	state := auction.NewState("a1")
	msg := decode(t, `{"event":"auctions/snapshot","body":{"ea":1700000000,"hb":50,"hbid":"u1","st":"RUNNING"}}`)

	next, effects := Route(state, msg)
	require.Equal(t, int64(1700000000), next.Deadline.Unix())
	require.Equal(t, "50", next.HighBid.String())
	require.Equal(t, "u1", next.HighBidder)
	require.Equal(t, auction.StatusRunning, next.Status)

	require.Len(t, effects, 2)
	require.IsType(t, Mutate{}, effects[0])
	require.Equal(t, StartCountdown{Deadline: time.Unix(1700000000, 0).UTC()}, effects[1])
	replay(t, state, next, effects)
}

func TestRouteSnapshotWithoutDeadlineDoesNotStartCountdown(t *testing.T) {
	_, effects := Route(auction.NewState("a1"), decode(t, `{"event":"snapshot","data":{"hb":5}}`))
	require.Len(t, effects, 1)
	require.IsType(t, Mutate{}, effects[0])
}

func TestRouteSnapshotDroppingDeadlineStopsCountdown(t *testing.T) {
	state, _ := auction.NewState("a1").ApplySnapshot(auction.Normalize(auction.DecodeRecord(
		[]byte(`{"ea":1700000000,"hb":50,"hbid":"u1","st":"RUNNING"}`))))
	next, effects := Route(state, decode(t, `{"event":"auctions/snapshot","body":{"hb":60,"hbid":"u2","st":"RUNNING"}}`))

	require.True(t, next.Deadline.IsZero())
	require.Equal(t, "60", next.HighBid.String())
	require.Len(t, effects, 2)
	require.IsType(t, Mutate{}, effects[0])
	require.Equal(t, StopCountdown{}, effects[1])
	replay(t, state, next, effects)
}

func TestRouteFinishedSnapshotFinalizes(t *testing.T) {
	state := auction.NewState("a1")
	next, effects := Route(state, decode(t, `{"event":"auctions/snapshot","body":{"ea":1700000000,"hb":80,"hbid":"u3","st":"FINISHED"}}`))
	require.True(t, next.Finished())
	require.Len(t, effects, 2)
	require.Equal(t, Finalize{Reason: FinalizeSnapshot}, effects[1])
	replay(t, state, next, effects)
}

func TestRouteBidAppliesPartialUpdate(t *testing.T) {
	state, _ := auction.NewState("a1").ApplySnapshot(auction.Normalize(auction.DecodeRecord(
		[]byte(`{"ea":1700000000,"hb":50,"hbid":"u1","st":"RUNNING"}`))))

	next, effects := Route(state, decode(t, `{"event":"auctions/bid","body":{"amount":75,"bidder":"u2"}}`))
	require.Equal(t, "75", next.HighBid.String())
	require.Equal(t, "u2", next.HighBidder)
	require.True(t, next.Deadline.Equal(state.Deadline))
	require.Equal(t, auction.StatusRunning, next.Status)
	require.Len(t, effects, 1)
	replay(t, state, next, effects)
}

func TestRouteRegressingBidIsIgnored(t *testing.T) {
	state, _ := auction.NewState("a1").ApplySnapshot(auction.Normalize(auction.DecodeRecord([]byte(`{"hb":50,"hbid":"u1"}`))))

	next, effects := Route(state, decode(t, `{"event":"auctions/bid","body":{"amount":20,"bidder":"u9"}}`))
	require.True(t, next.Equal(state))
	require.Equal(t, []Effect{Ignore{Event: "auctions/bid", Reason: ReasonRegression}}, effects)
}

func TestRouteEmptyBidIsIgnored(t *testing.T) {
	_, effects := Route(auction.NewState("a1"), decode(t, `{"event":"auctions/bid","body":{}}`))
	require.Equal(t, []Effect{Ignore{Event: "auctions/bid", Reason: ReasonEmpty}}, effects)
}

func TestRouteStart(t *testing.T) {
	state := auction.NewState("a1")
	next, effects := Route(state, decode(t, `{"event":"auctions/start","body":{"endsAt":1700000300}}`))
	require.Equal(t, auction.StatusRunning, next.Status)
	require.Equal(t, []Effect{
		Mutate{Mutation: auction.ParseStart(auction.DecodeRecord([]byte(`{"endsAt":1700000300}`)))},
		StartCountdown{Deadline: time.Unix(1700000300, 0).UTC()},
	}, effects)
	replay(t, state, next, effects)
}

func TestRouteStopFinalizesFromAnyState(t *testing.T) {
	for _, state := range []auction.State{
		auction.NewState("a1"),
		auction.NewState("a1").Finish(),
	} {
		next, effects := Route(state, decode(t, `{"event":"auctions/stop","body":{}}`))
		require.True(t, next.Finished())
		require.Equal(t, []Effect{Finalize{Reason: FinalizeStop}}, effects)
	}
}

func TestRouteAfterFinishedIgnoresStateEvents(t *testing.T) {
	state := auction.NewState("a1").Finish()
	for _, frame := range []string{
		`{"event":"auctions/bid","body":{"amount":500,"bidder":"u9"}}`,
		`{"event":"auctions/start","body":{"endsAt":1800000000}}`,
		`{"event":"auctions/snapshot","body":{"hb":900,"st":"RUNNING"}}`,
	} {
		msg := decode(t, frame)
		next, effects := Route(state, msg)
		require.True(t, next.Equal(state), frame)
		require.Equal(t, []Effect{Ignore{Event: msg.Tag, Reason: ReasonFinished}}, effects, frame)
	}

	// acknowledgements and errors still resolve the pending bid
	_, effects := Route(state, decode(t, `{"event":"auctions/bid-ack"}`))
	require.Equal(t, []Effect{AckBid{}}, effects)
	_, effects = Route(state, decode(t, `{"event":"error","body":{"error":"auction closed"}}`))
	require.Equal(t, []Effect{RejectBid{Message: "auction closed"}}, effects)
}

func TestRouteUnknownEventIsIgnored(t *testing.T) {
	state := auction.NewState("a1")
	next, effects := Route(state, decode(t, `{"event":"auctions/chat","body":{"text":"hi"}}`))
	require.True(t, next.Equal(state))
	require.Equal(t, []Effect{Ignore{Event: "auctions/chat", Reason: ReasonUnknownEvent}}, effects)
}
