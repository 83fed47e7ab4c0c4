package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zombor/club-reconciler/internal/ai"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxCandidates = 40
	aiDateLayout         = "2006-01-02"
)

// ProgressFunc is called synchronously before each step of a run.
// current goes from 1 to total.
type ProgressFunc func(current, total int, message string)

// HybridResult reports what an AI pass did. Proposals are only persisted as
// pending matches; nothing is linked.
type HybridResult struct {
	Requested int        `json:"requested"`
	Processed int        `json:"processed"`
	Proposed  int        `json:"proposed"`
	Skipped   int        `json:"skipped"`
	Failed    int        `json:"failed"`
	Matches   []*AIMatch `json:"matches"`
}

// HybridMatcher asks an AI advisor to pair transactions the rubric could not
type HybridMatcher struct {
	advisor       ai.Advisor
	cfg           ai.Config
	store         *MatchStore
	catalog       *CatalogCache
	workers       int
	maxCandidates int
}

// NewHybridMatcher creates a HybridMatcher. workers above 1 runs that many
// provider calls at once.
func NewHybridMatcher(advisor ai.Advisor, cfg ai.Config, store *MatchStore, catalog *CatalogCache, workers int) *HybridMatcher {
	if workers < 1 {
		workers = 1
	}
	return &HybridMatcher{
		advisor:       advisor,
		cfg:           cfg,
		store:         store,
		catalog:       catalog,
		workers:       workers,
		maxCandidates: defaultMaxCandidates,
	}
}

// IsAvailable reports whether a provider credential is configured
func (h *HybridMatcher) IsAvailable() bool {
	return h.advisor != nil && h.cfg.Available()
}

// candidatePool hands out expenses so that each is proposed at most once per run
type candidatePool struct {
	mu      sync.Mutex
	order   []*Expense
	claimed map[string]bool
}

func newCandidatePool(exps []*Expense) *candidatePool {
	return &candidatePool{order: exps, claimed: make(map[string]bool)}
}

func (p *candidatePool) available() []*Expense {
	p.mu.Lock()
	defer p.mu.Unlock()
	var list []*Expense
	for _, e := range p.order {
		if !p.claimed[e.ID] {
			list = append(list, e)
		}
	}
	return list
}

func (p *candidatePool) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.claimed[id] {
		return false
	}
	p.claimed[id] = true
	return true
}

func (p *candidatePool) release(id string) {
	p.mu.Lock()
	delete(p.claimed, id)
	p.mu.Unlock()
}

type hybridRun struct {
	clubID  string
	actorID string
	pool    *candidatePool
	context ai.MatchContext

	mu     sync.Mutex
	result *HybridResult
}

func (r *hybridRun) record(fn func(res *HybridResult)) {
	r.mu.Lock()
	fn(r.result)
	r.mu.Unlock()
}

// HybridMatching proposes matches for at most limit transactions, one
// provider call each. Transactions with a pending match are skipped, and
// expenses already linked or part of a pending match are never offered.
// A failing step is skipped; only precondition failures are returned.
func (h *HybridMatcher) HybridMatching(ctx context.Context, clubID, actorID string, txs []*Transaction, exps []*Expense, limit int, onProgress ProgressFunc) (*HybridResult, error) {
	switch {
	case clubID == "":
		return nil, ErrMissingClub
	case actorID == "":
		return nil, ErrMissingActor
	case !h.IsAvailable():
		return nil, ErrAIUnavailable
	case limit <= 0:
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}

	pending, err := h.store.GetMatchesByStatus(clubID, MatchPending)
	if err != nil {
		return nil, err
	}
	pendingTx := make(map[string]bool, len(pending))
	pendingExp := make(map[string]bool, len(pending))
	for _, m := range pending {
		pendingTx[m.TransactionID] = true
		pendingExp[m.ExpenseID] = true
	}

	var queue []*Transaction
	for _, t := range txs {
		if !t.IsLinked() && !pendingTx[t.ID] {
			queue = append(queue, t)
		}
	}
	var candidates []*Expense
	for _, e := range exps {
		if !e.IsLinked() && !pendingExp[e.ID] && e.Status != ExpenseRejected {
			candidates = append(candidates, e)
		}
	}
	if len(queue) == 0 || len(candidates) == 0 {
		return nil, fmt.Errorf("%d transactions, %d candidate expenses: %w", len(queue), len(candidates), ErrNothingToMatch)
	}
	sortTransactions(queue)
	sortExpenses(candidates)
	if len(queue) > limit {
		queue = queue[:limit]
	}

	run := &hybridRun{
		clubID:  clubID,
		actorID: actorID,
		pool:    newCandidatePool(candidates),
		context: h.matchContext(clubID, exps),
		result:  &HybridResult{Requested: len(queue), Matches: []*AIMatch{}},
	}

	total := len(queue)
	if h.workers == 1 {
		for i, t := range queue {
			if ctx.Err() != nil {
				break
			}
			notify(onProgress, i+1, total, t)
			h.step(ctx, run, t)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(h.workers)
		for i, t := range queue {
			if gctx.Err() != nil {
				break
			}
			notify(onProgress, i+1, total, t)
			g.Go(func() error {
				h.step(gctx, run, t)
				return nil
			})
		}
		_ = g.Wait()
	}

	sortMatches(run.result.Matches)
	slog.Info("ai matching finished",
		"club", clubID,
		"requested", run.result.Requested,
		"processed", run.result.Processed,
		"proposed", run.result.Proposed,
		"skipped", run.result.Skipped,
		"failed", run.result.Failed)
	return run.result, nil
}

func notify(onProgress ProgressFunc, current, total int, t *Transaction) {
	if onProgress == nil {
		return
	}
	onProgress(current, total, fmt.Sprintf("matching transaction %s (%s %s)", t.ID, t.Amount.StringFixed(2), t.CounterpartyName))
}

// step asks the advisor about one transaction and stores its proposal.
// When a concurrent step claimed the proposed expense first, the advisor is
// asked again with what is left of the pool.
func (h *HybridMatcher) step(ctx context.Context, run *hybridRun, t *Transaction) {
	run.record(func(r *HybridResult) { r.Processed++ })

	for attempt := 0; attempt <= len(run.pool.order); attempt++ {
		offered := h.rankCandidates(t, run.pool.available())
		if len(offered) == 0 {
			run.record(func(r *HybridResult) { r.Skipped++ })
			return
		}

		proposal, ok := h.propose(ctx, run, t, offered)
		if !ok {
			return
		}
		if run.pool.claim(proposal.ExpenseID) {
			h.persist(ctx, run, t, proposal)
			return
		}
		slog.Debug("expense claimed by a concurrent step, asking again", "transaction", t.ID, "expense", proposal.ExpenseID)
	}
	run.record(func(r *HybridResult) { r.Skipped++ })
}

// propose sends one request; false means the step ended and was counted
func (h *HybridMatcher) propose(ctx context.Context, run *hybridRun, t *Transaction, offered []*Expense) (*ai.Proposal, bool) {
	req := ai.MatchRequest{
		Transaction: transactionInfo(t),
		Candidates:  make([]ai.CandidateExpense, 0, len(offered)),
		Context:     run.context,
	}
	known := make(map[string]bool, len(offered))
	for _, e := range offered {
		req.Candidates = append(req.Candidates, candidateExpense(e))
		known[e.ID] = true
	}

	proposal, err := h.advisor.ProposeMatch(ctx, req)
	if err != nil {
		slog.Warn("ai proposal failed", "club", run.clubID, "transaction", t.ID, "error", err)
		run.record(func(r *HybridResult) { r.Failed++ })
		return nil, false
	}
	if proposal == nil {
		run.record(func(r *HybridResult) { r.Skipped++ })
		return nil, false
	}
	if !known[proposal.ExpenseID] {
		slog.Warn("ai proposed an expense that was not offered", "club", run.clubID, "transaction", t.ID, "expense", proposal.ExpenseID)
		run.record(func(r *HybridResult) { r.Failed++ })
		return nil, false
	}
	return proposal, true
}

// persist stores a claimed proposal as a pending match
func (h *HybridMatcher) persist(ctx context.Context, run *hybridRun, t *Transaction, proposal *ai.Proposal) {
	match, err := h.store.CreateMatch(run.clubID, t.ID, proposal.ExpenseID, proposal.Confidence, proposal.Reasoning, run.actorID)
	if err != nil {
		run.pool.release(proposal.ExpenseID)
		level := slog.LevelError
		if errors.Is(err, ErrPendingMatchExists) {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "storing ai match failed", "club", run.clubID, "transaction", t.ID, "error", err)
		run.record(func(r *HybridResult) { r.Failed++ })
		return
	}
	run.record(func(r *HybridResult) {
		r.Proposed++
		r.Matches = append(r.Matches, match)
	})
}

// rankCandidates keeps the expenses closest in amount, up to maxCandidates
func (h *HybridMatcher) rankCandidates(t *Transaction, exps []*Expense) []*Expense {
	paid := t.Amount.Abs()
	ranked := make([]*Expense, len(exps))
	copy(ranked, exps)
	sort.SliceStable(ranked, func(i, j int) bool {
		di := paid.Sub(ranked[i].Amount).Abs()
		dj := paid.Sub(ranked[j].Amount).Abs()
		return di.LessThan(dj)
	})
	if len(ranked) > h.maxCandidates {
		ranked = ranked[:h.maxCandidates]
	}
	return ranked
}

// matchContext gathers the categories and members of the club
func (h *HybridMatcher) matchContext(clubID string, exps []*Expense) ai.MatchContext {
	var mc ai.MatchContext
	if h.catalog != nil {
		categories, err := h.catalog.Categories(clubID)
		if err != nil {
			slog.Warn("categories unavailable for ai context", "club", clubID, "error", err)
		}
		for _, c := range categories {
			mc.Categories = append(mc.Categories, c.Code+" "+c.Label)
		}
	}

	seen := make(map[string]bool)
	for _, e := range exps {
		name := e.RequestedBy.Name
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		mc.Members = append(mc.Members, name)
	}
	sort.Strings(mc.Members)
	return mc
}

func transactionInfo(t *Transaction) ai.TransactionInfo {
	return ai.TransactionInfo{
		ID:            t.ID,
		Amount:        t.Amount.StringFixed(2),
		Date:          formatDate(t.ExecutionDate),
		Counterparty:  t.CounterpartyName,
		Communication: t.Communication,
	}
}

func candidateExpense(e *Expense) ai.CandidateExpense {
	return ai.CandidateExpense{
		ID:          e.ID,
		Amount:      e.Amount.StringFixed(2),
		Description: e.Description,
		Category:    e.Category,
		RequestedBy: e.RequestedBy.Name,
		Date:        formatDate(e.RequestedDate),
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(aiDateLayout)
}
