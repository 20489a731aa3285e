package auction

import (
	"errors"
	"sync"

	"github.com/coachpo/auctionsync/internal/observability"
)

// Store owns the canonical state of one auction session and applies mutations to it.
// Once the state is FINISHED every mutation is a logged no-op.
type Store struct {
	mu      sync.RWMutex
	state   State
	version uint64
	logger  observability.Logger
}

// NewStore creates an empty store for the auction.
func NewStore(auctionID string, logger observability.Logger) *Store {
	return &Store{
		mu:      sync.RWMutex{},
		state:   NewState(auctionID),
		version: 0,
		logger:  observability.OrDefault(logger),
	}
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Version increments on every committed change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Apply runs m against the current state and commits the result. It reports whether the state changed.
func (s *Store) Apply(m Mutation) bool {
	if m == nil {
		return false
	}
	s.mu.Lock()
	prev := s.state
	next, err := m.Mutate(prev)
	changed := !next.Equal(prev)
	if changed {
		s.state = next
		s.version++
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, ErrFinished):
		s.logger.Debug("auction finished, update ignored",
			observability.F("auction_id", prev.AuctionID))
	case errors.Is(err, ErrBidRegression):
		s.logger.Warn("high bid regression ignored",
			observability.F("auction_id", prev.AuctionID),
			observability.F("current_high_bid", prev.HighBid.String()))
	case err != nil:
		s.logger.Error("auction update failed",
			observability.F("auction_id", prev.AuctionID),
			observability.F("error", err))
	}
	return changed
}

// ApplySnapshot replaces the canonical attributes from a normalised snapshot.
func (s *Store) ApplySnapshot(snap Snapshot) bool {
	return s.Apply(snap)
}

// ApplyDelta applies the fields present in d.
func (s *Store) ApplyDelta(d Delta) bool {
	return s.Apply(d)
}

// Finish freezes the state. It reports whether this call performed the transition.
func (s *Store) Finish() bool {
	return s.Apply(Finalize{})
}
