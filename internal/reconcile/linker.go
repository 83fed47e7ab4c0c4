package reconcile

import (
	"errors"
	"fmt"
)

// Link provenances stored on expenses and transaction back-references
const (
	ProvenanceManual  = "manual"
	ProvenanceMatcher = "matcher"
)

func aiProvenance(matchID string) string {
	return "ai:" + matchID
}

type linkOptions struct {
	label      string
	autoLinked bool
	provenance string
}

// Linker is the only writer of transaction <-> expense references. Both sides
// of a link are written in one DB.Update so a failed write leaves neither.
type Linker struct {
	db         DB
	timeSource TimeSource
}

// NewLinker creates a Linker
func NewLinker(db DB, timeSource TimeSource) *Linker {
	if timeSource == nil {
		timeSource = &defaultTimeSource{}
	}
	return &Linker{db: db, timeSource: timeSource}
}

// LinkManually links an expense to a transaction on a human's request
func (l *Linker) LinkManually(clubID, transactionID, expenseID string) error {
	return l.link(clubID, transactionID, expenseID, linkOptions{provenance: ProvenanceManual})
}

// AutoLinkExpenseToTransaction links a pair chosen by the deterministic matcher
func (l *Linker) AutoLinkExpenseToTransaction(expenseID, expenseLabel, transactionID, clubID string) error {
	return l.link(clubID, transactionID, expenseID, linkOptions{
		label:      expenseLabel,
		autoLinked: true,
		provenance: ProvenanceMatcher,
	})
}

// LinkBySequence links a pair resolved from a filename sequence
func (l *Linker) LinkBySequence(clubID, transactionID, expenseID string, seq Sequence) error {
	return l.link(clubID, transactionID, expenseID, linkOptions{
		autoLinked: true,
		provenance: "sequence:" + seq.String(),
	})
}

// UnlinkExpenseFromTransaction removes both directions of a link. Calling it
// on a pair that is not linked is a no-op.
func (l *Linker) UnlinkExpenseFromTransaction(expenseID, transactionID, clubID string) error {
	if clubID == "" {
		return ErrMissingClub
	}
	err := l.db.Update(clubID, func(tx ClubTx) error {
		return l.unlinkInTx(tx, expenseID, transactionID)
	})
	if err != nil {
		return fmt.Errorf("unlinking expense %s from transaction %s: %w", expenseID, transactionID, err)
	}
	return nil
}

func (l *Linker) link(clubID, transactionID, expenseID string, opts linkOptions) error {
	if clubID == "" {
		return ErrMissingClub
	}
	err := l.db.Update(clubID, func(tx ClubTx) error {
		return l.linkInTx(tx, transactionID, expenseID, opts)
	})
	if err != nil {
		return fmt.Errorf("linking expense %s to transaction %s: %w", expenseID, transactionID, err)
	}
	return nil
}

// linkInTx links inside an open write. An expense linked elsewhere is moved:
// the previous transaction loses its back-reference.
func (l *Linker) linkInTx(tx ClubTx, transactionID, expenseID string, opts linkOptions) error {
	t, err := tx.GetTransaction(transactionID)
	if err != nil {
		return err
	}
	e, err := tx.GetExpense(expenseID)
	if err != nil {
		return err
	}

	if e.TransactionID == t.ID && t.hasEntity(EntityExpense, e.ID) {
		return nil
	}

	now := l.timeSource.Now()

	if e.TransactionID != "" && e.TransactionID != t.ID {
		previous, err := tx.GetTransaction(e.TransactionID)
		switch {
		case errors.Is(err, ErrNotFound):
			// dangling reference, nothing to clear
		case err != nil:
			return err
		default:
			if previous.removeEntity(EntityExpense, e.ID) {
				if err := tx.PutTransaction(previous); err != nil {
					return err
				}
			}
		}
	}

	if !t.hasEntity(EntityExpense, e.ID) {
		label := opts.label
		if label == "" {
			label = e.Label()
		}
		t.MatchedEntities = append(t.MatchedEntities, MatchedEntity{
			Type:       EntityExpense,
			ID:         e.ID,
			Label:      label,
			AutoLinked: opts.autoLinked,
			Provenance: opts.provenance,
			LinkedAt:   now,
		})
	}
	t.Reconciled = true

	e.TransactionID = t.ID
	e.AutoLinked = opts.autoLinked
	e.LinkProvenance = opts.provenance
	e.UpdatedAt = now

	if err := tx.PutTransaction(t); err != nil {
		return err
	}
	return tx.PutExpense(e)
}

func (l *Linker) unlinkInTx(tx ClubTx, expenseID, transactionID string) error {
	t, terr := tx.GetTransaction(transactionID)
	if terr != nil && !errors.Is(terr, ErrNotFound) {
		return terr
	}
	e, eerr := tx.GetExpense(expenseID)
	if eerr != nil && !errors.Is(eerr, ErrNotFound) {
		return eerr
	}
	if terr != nil && eerr != nil {
		return terr
	}

	if t != nil && t.removeEntity(EntityExpense, expenseID) {
		if err := tx.PutTransaction(t); err != nil {
			return err
		}
	}
	if e != nil && e.TransactionID == transactionID {
		e.TransactionID = ""
		e.AutoLinked = false
		e.LinkProvenance = ""
		e.UpdatedAt = l.timeSource.Now()
		if err := tx.PutExpense(e); err != nil {
			return err
		}
	}
	return nil
}
