package reconcile

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// sequencePattern matches YYYY-NNNNN-NNNNN not glued to other digits
var sequencePattern = regexp.MustCompile(`(?:^|[^0-9])([0-9]{4})-([0-9]{5})-([0-9]{5})(?:[^0-9]|$)`)

// Sequence is the statement reference a treasurer writes into a document filename
type Sequence struct {
	Year      string
	Statement string
	Line      string
}

// String returns the full YYYY-NNNNN-NNNNN form
func (s Sequence) String() string {
	return s.Year + "-" + s.Number()
}

// Number returns the form without the year, used by older statement imports
func (s Sequence) Number() string {
	return s.Statement + "-" + s.Line
}

// ExtractSequence finds the sequence token in a filename
func ExtractSequence(filename string) (Sequence, bool) {
	m := sequencePattern.FindStringSubmatch(filepath.Base(filename))
	if m == nil {
		return Sequence{}, false
	}
	return Sequence{Year: m[1], Statement: m[2], Line: m[3]}, true
}

// SequenceResolver resolves sequences against stored transactions
type SequenceResolver struct {
	db DB
}

// NewSequenceResolver creates a SequenceResolver
func NewSequenceResolver(db DB) *SequenceResolver {
	return &SequenceResolver{db: db}
}

// FindTransactionBySequence returns the transaction carrying seq, or nil when
// none does. A full YYYY-NNNNN-NNNNN match wins over a year-less one; among
// year-less ones, a transaction executed in the sequence year is preferred.
func (r *SequenceResolver) FindTransactionBySequence(clubID string, seq Sequence) (*Transaction, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	transactions, err := r.db.ListTransactions(clubID)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	sortTransactions(transactions)

	var sameYear, anyYear *Transaction
	for _, t := range transactions {
		value := strings.TrimSpace(t.Sequence)
		switch value {
		case seq.String():
			return t, nil
		case seq.Number():
			if sameYear == nil && fmt.Sprint(t.ExecutionDate.Year()) == seq.Year {
				sameYear = t
			}
			if anyYear == nil {
				anyYear = t
			}
		}
	}
	if sameYear != nil {
		return sameYear, nil
	}
	return anyYear, nil
}
