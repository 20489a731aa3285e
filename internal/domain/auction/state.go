// Package auction holds the canonical client-side view of a single auction.
package auction

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status describes the lifecycle stage of an auction as reported by the server.
type Status string

const (
	// StatusUnknown is used until a snapshot or start event says otherwise.
	StatusUnknown Status = "UNKNOWN"
	// StatusRunning marks an auction that accepts bids.
	StatusRunning Status = "RUNNING"
	// StatusFinished is terminal.
	StatusFinished Status = "FINISHED"
)

// PlaceholderBidder is shown while the leading bidder is unknown.
const PlaceholderBidder = "—"

// ParseStatus maps a server status string onto Status. Anything unrecognised is StatusUnknown.
func ParseStatus(raw string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusRunning:
		return StatusRunning
	case StatusFinished:
		return StatusFinished
	default:
		return StatusUnknown
	}
}

var (
	// ErrFinished is returned when a mutation targets a finished auction.
	ErrFinished = errors.New("auction finished")
	// ErrBidRegression is returned when an update carries a lower high bid than the current one.
	ErrBidRegression = errors.New("high bid regression")
)

// State is the canonical, normalised auction state.
type State struct {
	AuctionID  string
	Deadline   time.Time
	HighBid    decimal.Decimal
	HighBidder string
	Status     Status
}

// NewState returns the empty state for an auction.
func NewState(auctionID string) State {
	return State{
		AuctionID:  auctionID,
		Deadline:   time.Time{},
		HighBid:    decimal.Zero,
		HighBidder: PlaceholderBidder,
		Status:     StatusUnknown,
	}
}

// Finished reports whether the auction reached its terminal status.
func (s State) Finished() bool {
	return s.Status == StatusFinished
}

// Equal compares two states field by field.
func (s State) Equal(other State) bool {
	return s.AuctionID == other.AuctionID &&
		s.Deadline.Equal(other.Deadline) &&
		s.HighBid.Equal(other.HighBid) &&
		s.HighBidder == other.HighBidder &&
		s.Status == other.Status
}

// Snapshot is a full-state record after normalisation.
type Snapshot struct {
	Deadline   time.Time
	HighBid    decimal.Decimal
	HighBidder string
	Status     Status
}

// Delta is a partial update; nil fields are left untouched.
type Delta struct {
	Deadline   *time.Time
	HighBid    *decimal.Decimal
	HighBidder *string
	Status     *Status
}

// Empty reports whether the delta carries no field.
func (d Delta) Empty() bool {
	return d.Deadline == nil && d.HighBid == nil && d.HighBidder == nil && d.Status == nil
}

// ApplySnapshot replaces every canonical attribute. A lower high bid keeps the current bid and bidder
// and is reported as ErrBidRegression while the other fields still apply.
func (s State) ApplySnapshot(snap Snapshot) (State, error) {
	if s.Finished() {
		return s, ErrFinished
	}
	next := s
	next.Deadline = snap.Deadline
	next.Status = snap.Status
	if snap.HighBid.LessThan(s.HighBid) {
		return next, ErrBidRegression
	}
	next.HighBid = snap.HighBid
	next.HighBidder = snap.HighBidder
	return next, nil
}

// ApplyDelta updates only the fields present in d. A regressing high bid discards the whole delta.
func (s State) ApplyDelta(d Delta) (State, error) {
	if s.Finished() {
		return s, ErrFinished
	}
	if d.HighBid != nil && d.HighBid.LessThan(s.HighBid) {
		return s, ErrBidRegression
	}
	next := s
	if d.Deadline != nil {
		next.Deadline = *d.Deadline
	}
	if d.HighBid != nil {
		next.HighBid = *d.HighBid
	}
	if d.HighBidder != nil {
		next.HighBidder = *d.HighBidder
	}
	if d.Status != nil {
		next.Status = *d.Status
	}
	return next, nil
}

// Finish moves the state to FINISHED, freezing every other attribute.
func (s State) Finish() State {
	s.Status = StatusFinished
	return s
}

// Mutation is a state transition understood by Store.
type Mutation interface {
	Mutate(State) (State, error)
}

// Mutate implements Mutation.
func (snap Snapshot) Mutate(s State) (State, error) { return s.ApplySnapshot(snap) }

// Mutate implements Mutation.
func (d Delta) Mutate(s State) (State, error) { return s.ApplyDelta(d) }

// Finalize is the absorbing transition to FINISHED.
type Finalize struct{}

// Mutate implements Mutation.
func (Finalize) Mutate(s State) (State, error) {
	if s.Finished() {
		return s, ErrFinished
	}
	return s.Finish(), nil
}
