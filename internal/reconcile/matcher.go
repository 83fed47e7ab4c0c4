package reconcile

import (
	"fmt"
	"log/slog"
	"sort"
)

// UnmatchedItems holds what a batch run could not pair
type UnmatchedItems struct {
	Transactions []*Transaction `json:"transactions"`
	Expenses     []*Expense     `json:"expenses"`
}

// BatchMatchResult partitions every transaction and expense a run considered:
// each one is in exactly one of AutoLinked, Suggested or Unmatched.
type BatchMatchResult struct {
	AutoLinked []MatchCandidate `json:"auto_linked"`
	Suggested  []MatchCandidate `json:"suggested"`
	Unmatched  UnmatchedItems   `json:"unmatched"`
	Errors     []string         `json:"errors"`
}

// BatchSummary counts a BatchMatchResult
type BatchSummary struct {
	AutoLinked            int `json:"auto_linked"`
	Suggested             int `json:"suggested"`
	UnmatchedTransactions int `json:"unmatched_transactions"`
	UnmatchedExpenses     int `json:"unmatched_expenses"`
	Errors                int `json:"errors"`
}

// Summary returns the counts shown after a run
func (r *BatchMatchResult) Summary() BatchSummary {
	return BatchSummary{
		AutoLinked:            len(r.AutoLinked),
		Suggested:             len(r.Suggested),
		UnmatchedTransactions: len(r.Unmatched.Transactions),
		UnmatchedExpenses:     len(r.Unmatched.Expenses),
		Errors:                len(r.Errors),
	}
}

// Matcher is the deterministic batch matcher
type Matcher struct {
	db     DB
	scorer *Scorer
	rules  Rules
	linker *Linker
}

// NewMatcher creates a Matcher. Zero or invalid rules mean DefaultRules.
func NewMatcher(db DB, rules Rules, linker *Linker) *Matcher {
	rules = rules.orDefault()
	return &Matcher{db: db, scorer: NewScorer(rules), rules: rules, linker: linker}
}

// matchPool loads the unlinked outflow transactions and open expenses of a club
func matchPool(db DB, clubID string) ([]*Transaction, []*Expense, error) {
	allTx, err := db.ListTransactions(clubID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing transactions: %w", err)
	}
	allExp, err := db.ListExpenses(clubID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing expenses: %w", err)
	}

	var txs []*Transaction
	for _, t := range allTx {
		if !t.IsLinked() && t.Amount.IsNegative() {
			txs = append(txs, t)
		}
	}
	var exps []*Expense
	for _, e := range allExp {
		if !e.IsLinked() && e.Status != ExpenseRejected {
			exps = append(exps, e)
		}
	}
	sortTransactions(txs)
	sortExpenses(exps)
	return txs, exps, nil
}

// PerformBatchMatching scores every open pair of the club and assigns them
// greedily one-to-one. Pairs at or above the auto-link threshold are linked
// when autoLink is set and suggested otherwise.
func (m *Matcher) PerformBatchMatching(clubID string, autoLink bool) (*BatchMatchResult, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	txs, exps, err := matchPool(m.db, clubID)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 || len(exps) == 0 {
		return nil, fmt.Errorf("%d open transactions, %d open expenses: %w", len(txs), len(exps), ErrNothingToMatch)
	}

	result := m.assign(txs, exps)
	if autoLink {
		m.applyAutoLinks(clubID, result)
	} else {
		result.Suggested = append(result.AutoLinked, result.Suggested...)
		result.AutoLinked = nil
		sortCandidates(result.Suggested)
	}
	ensureSlices(result)

	slog.Info("batch matching finished",
		"club", clubID,
		"auto_link", autoLink,
		"auto_linked", len(result.AutoLinked),
		"suggested", len(result.Suggested),
		"unmatched_transactions", len(result.Unmatched.Transactions),
		"unmatched_expenses", len(result.Unmatched.Expenses),
		"errors", len(result.Errors))
	return result, nil
}

// assign runs the greedy assignment without writing anything. AutoLinked holds
// the pairs eligible for linking at this point.
func (m *Matcher) assign(txs []*Transaction, exps []*Expense) *BatchMatchResult {
	var scored []MatchCandidate
	for _, t := range txs {
		for _, e := range exps {
			c := m.scorer.Score(t, e)
			if c.Confidence >= m.rules.SuggestThreshold {
				scored = append(scored, c)
			}
		}
	}
	sortCandidates(scored)

	usedTx := make(map[string]bool)
	usedExp := make(map[string]bool)
	result := &BatchMatchResult{}
	for _, c := range scored {
		if usedTx[c.Transaction.ID] || usedExp[c.Expense.ID] {
			continue
		}
		usedTx[c.Transaction.ID] = true
		usedExp[c.Expense.ID] = true
		if c.Confidence >= m.rules.AutoLinkThreshold {
			result.AutoLinked = append(result.AutoLinked, c)
		} else {
			result.Suggested = append(result.Suggested, c)
		}
	}

	for _, t := range txs {
		if !usedTx[t.ID] {
			result.Unmatched.Transactions = append(result.Unmatched.Transactions, t)
		}
	}
	for _, e := range exps {
		if !usedExp[e.ID] {
			result.Unmatched.Expenses = append(result.Unmatched.Expenses, e)
		}
	}
	return result
}

// applyAutoLinks writes every eligible pair. A failed pair is reported and
// moved to Unmatched; the rest of the batch goes on.
func (m *Matcher) applyAutoLinks(clubID string, result *BatchMatchResult) {
	linked := make([]MatchCandidate, 0, len(result.AutoLinked))
	for _, c := range result.AutoLinked {
		err := m.linker.AutoLinkExpenseToTransaction(c.Expense.ID, c.Expense.Label(), c.Transaction.ID, clubID)
		if err != nil {
			slog.Error("auto-link failed", "club", clubID, "transaction", c.Transaction.ID, "expense", c.Expense.ID, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("transaction %s / expense %s: %v", c.Transaction.ID, c.Expense.ID, err))
			result.Unmatched.Transactions = append(result.Unmatched.Transactions, c.Transaction)
			result.Unmatched.Expenses = append(result.Unmatched.Expenses, c.Expense)
			continue
		}
		linked = append(linked, c)
	}
	result.AutoLinked = linked
	sortTransactions(result.Unmatched.Transactions)
	sortExpenses(result.Unmatched.Expenses)
}

// sortCandidates orders by confidence descending, then transaction execution
// date, transaction ID, expense creation time and expense ID. The greedy
// assignment walks this order, so it decides which pair wins a tie.
func sortCandidates(list []MatchCandidate) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.Transaction.ExecutionDate.Equal(b.Transaction.ExecutionDate) {
			return a.Transaction.ExecutionDate.Before(b.Transaction.ExecutionDate)
		}
		if a.Transaction.ID != b.Transaction.ID {
			return a.Transaction.ID < b.Transaction.ID
		}
		if !a.Expense.CreatedAt.Equal(b.Expense.CreatedAt) {
			return a.Expense.CreatedAt.Before(b.Expense.CreatedAt)
		}
		return a.Expense.ID < b.Expense.ID
	})
}

// ensureSlices keeps JSON output as [] rather than null
func ensureSlices(r *BatchMatchResult) {
	if r.AutoLinked == nil {
		r.AutoLinked = []MatchCandidate{}
	}
	if r.Suggested == nil {
		r.Suggested = []MatchCandidate{}
	}
	if r.Unmatched.Transactions == nil {
		r.Unmatched.Transactions = []*Transaction{}
	}
	if r.Unmatched.Expenses == nil {
		r.Unmatched.Expenses = []*Expense{}
	}
	if r.Errors == nil {
		r.Errors = []string{}
	}
}
