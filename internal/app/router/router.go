// Package router maps inbound auction messages onto state transitions and side effects.
// Route is pure: it never touches the network, timers or the store.
package router

import (
	"time"

	"github.com/coachpo/auctionsync/internal/domain/auction"
	"github.com/coachpo/auctionsync/internal/domain/schema"
)

// Effect is one side effect the session must carry out, in order.
type Effect interface {
	effect()
}

// Mutate applies a state transition to the store.
type Mutate struct {
	Mutation auction.Mutation
}

// StartCountdown (re)starts the countdown towards Deadline.
type StartCountdown struct {
	Deadline time.Time
}

// StopCountdown halts the countdown because the deadline became unknown.
type StopCountdown struct{}

// Finalize runs the finalize sequence: freeze state, stop countdown, close the channel normally.
type Finalize struct {
	Reason string
}

// AckBid resolves the pending bid as acknowledged.
type AckBid struct{}

// RejectBid resolves the pending bid with a server error.
type RejectBid struct {
	Message string
}

// Ignore records a message that caused no change.
type Ignore struct {
	Event  string
	Reason string
}

func (Mutate) effect()         {}
func (StartCountdown) effect() {}
func (StopCountdown) effect()  {}
func (Finalize) effect()       {}
func (AckBid) effect()         {}
func (RejectBid) effect()      {}
func (Ignore) effect()         {}

// Ignore reasons.
const (
	ReasonUnknownEvent = "unknown event"
	ReasonFinished     = "auction finished"
	ReasonRegression   = "high bid regression"
	ReasonEmpty        = "no fields"
)

// Finalize reasons.
const (
	FinalizeStop     = "stop event"
	FinalizeSnapshot = "finished snapshot"
)

// Route returns the state after msg and the effects to execute. The returned state is what the store
// will hold once every Mutate effect is applied.
func Route(state auction.State, msg schema.Message) (auction.State, []Effect) {
	switch msg.Kind {
	case schema.KindStop:
		return state.Finish(), []Effect{Finalize{Reason: FinalizeStop}}
	case schema.KindBidAck:
		return state, []Effect{AckBid{}}
	case schema.KindError:
		return state, []Effect{RejectBid{Message: auction.ParseError(msg.Body)}}
	case schema.KindUnknown:
		return state, []Effect{Ignore{Event: msg.Tag, Reason: ReasonUnknownEvent}}
	}

	if state.Finished() {
		return state, []Effect{Ignore{Event: msg.Tag, Reason: ReasonFinished}}
	}

	switch msg.Kind {
	case schema.KindSnapshot:
		return routeSnapshot(state, auction.Normalize(msg.Body))
	case schema.KindStart:
		return routeStart(state, auction.ParseStart(msg.Body))
	case schema.KindBid:
		return routeBid(state, msg.Tag, auction.ParseBid(msg.Body))
	default:
		return state, []Effect{Ignore{Event: msg.Tag, Reason: ReasonUnknownEvent}}
	}
}

func routeSnapshot(state auction.State, snap auction.Snapshot) (auction.State, []Effect) {
	// a regressing snapshot still applies its other fields
	next, _ := state.ApplySnapshot(snap)
	effects := []Effect{Mutate{Mutation: snap}}
	switch {
	case next.Finished():
		effects = append(effects, Finalize{Reason: FinalizeSnapshot})
	case !next.Deadline.IsZero():
		effects = append(effects, StartCountdown{Deadline: next.Deadline})
	case !state.Deadline.IsZero():
		effects = append(effects, StopCountdown{})
	}
	return next, effects
}

func routeStart(state auction.State, delta auction.Delta) (auction.State, []Effect) {
	next, _ := state.ApplyDelta(delta)
	effects := []Effect{Mutate{Mutation: delta}}
	if !next.Deadline.IsZero() {
		effects = append(effects, StartCountdown{Deadline: next.Deadline})
	}
	return next, effects
}

func routeBid(state auction.State, tag string, delta auction.Delta) (auction.State, []Effect) {
	if delta.Empty() {
		return state, []Effect{Ignore{Event: tag, Reason: ReasonEmpty}}
	}
	next, err := state.ApplyDelta(delta)
	if err != nil {
		return state, []Effect{Ignore{Event: tag, Reason: ReasonRegression}}
	}
	return next, []Effect{Mutate{Mutation: delta}}
}
