package reconcile

import (
	"fmt"
	"time"
)

// MatchStore keeps the lifecycle of AI match proposals:
// pending -> validated or pending -> rejected, both terminal.
// It never links anything; see Service.ValidateAIMatch for that.
type MatchStore struct {
	db          DB
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewMatchStore creates a MatchStore
func NewMatchStore(db DB, idGen IDGenerator, timeSrc TimeSource) *MatchStore {
	if idGen == nil {
		idGen = &uuidGenerator{}
	}
	if timeSrc == nil {
		timeSrc = &defaultTimeSource{}
	}
	return &MatchStore{db: db, idGenerator: idGen, timeSource: timeSrc}
}

// CreateMatch records a new pending proposal. A transaction may have many
// historical matches but only one pending at a time.
func (s *MatchStore) CreateMatch(clubID, transactionID, expenseID string, confidence float64, reasoning, actorID string) (*AIMatch, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	match := &AIMatch{
		ID:            s.idGenerator.Generate(),
		ClubID:        clubID,
		TransactionID: transactionID,
		ExpenseID:     expenseID,
		Confidence:    confidence,
		Reasoning:     reasoning,
		Status:        MatchPending,
		CreatedBy:     actorID,
		CreatedAt:     s.timeSource.Now(),
	}

	err := s.db.Update(clubID, func(tx ClubTx) error {
		existing, err := tx.ListMatches()
		if err != nil {
			return err
		}
		for _, m := range existing {
			if m.Status == MatchPending && m.TransactionID == transactionID {
				return fmt.Errorf("transaction %s (match %s): %w", transactionID, m.ID, ErrPendingMatchExists)
			}
		}
		return tx.PutMatch(match)
	})
	if err != nil {
		return nil, fmt.Errorf("creating ai match: %w", err)
	}
	return match, nil
}

// GetMatch retrieves a match by ID
func (s *MatchStore) GetMatch(clubID, id string) (*AIMatch, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	match, err := s.db.GetMatch(clubID, id)
	if err != nil {
		return nil, fmt.Errorf("getting ai match: %w", err)
	}
	return match, nil
}

// GetAllMatches returns every match of the club, oldest first
func (s *MatchStore) GetAllMatches(clubID string) ([]*AIMatch, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	matches, err := s.db.ListMatches(clubID)
	if err != nil {
		return nil, fmt.Errorf("listing ai matches: %w", err)
	}
	sortMatches(matches)
	return matches, nil
}

// GetMatchesByStatus returns the club's matches in one status, oldest first
func (s *MatchStore) GetMatchesByStatus(clubID, status string) ([]*AIMatch, error) {
	if !validMatchStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	all, err := s.GetAllMatches(clubID)
	if err != nil {
		return nil, err
	}
	filtered := make([]*AIMatch, 0, len(all))
	for _, m := range all {
		if m.Status == status {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// GetMatchesStats counts matches per status
func (s *MatchStore) GetMatchesStats(clubID string) (MatchStats, error) {
	var stats MatchStats
	all, err := s.GetAllMatches(clubID)
	if err != nil {
		return stats, err
	}
	for _, m := range all {
		switch m.Status {
		case MatchPending:
			stats.Pending++
		case MatchValidated:
			stats.Validated++
		case MatchRejected:
			stats.Rejected++
		}
		stats.Total++
	}
	return stats, nil
}

// UpdateMatchStatus moves a pending match to validated or rejected
func (s *MatchStore) UpdateMatchStatus(clubID, id, status, actorID string) (*AIMatch, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	var updated *AIMatch
	err := s.db.Update(clubID, func(tx ClubTx) error {
		m, err := tx.GetMatch(id)
		if err != nil {
			return err
		}
		if err := transitionMatch(m, status, actorID, s.timeSource.Now()); err != nil {
			return err
		}
		updated = m
		return tx.PutMatch(m)
	})
	if err != nil {
		return nil, fmt.Errorf("updating ai match %s: %w", id, err)
	}
	return updated, nil
}

func validMatchStatus(status string) bool {
	return status == MatchPending || status == MatchValidated || status == MatchRejected
}

// transitionMatch applies the state machine; terminal matches never change
func transitionMatch(m *AIMatch, status, actorID string, now time.Time) error {
	if status != MatchValidated && status != MatchRejected {
		return fmt.Errorf("%w: cannot move a match to %q", ErrInvalidStatus, status)
	}
	if m.Status != MatchPending {
		return fmt.Errorf("match %s is %s: %w", m.ID, m.Status, ErrMatchFinalized)
	}
	if actorID == "" {
		return ErrMissingActor
	}
	m.Status = status
	m.ValidatedBy = actorID
	m.ValidatedAt = &now
	return nil
}
