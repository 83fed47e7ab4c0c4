package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zombor/club-reconciler/internal/ai"
)

// ServiceConfig carries the tunables of a Service
type ServiceConfig struct {
	Rules     Rules
	AI        ai.Config
	AIWorkers int
}

// Service composes the reconciliation components for the HTTP layer and the CLI
type Service struct {
	db            DB
	storage       Storage
	scanner       ai.Scanner
	linker        *Linker
	matcher       *Matcher
	hybrid        *HybridMatcher
	matches       *MatchStore
	catalog       *CatalogCache
	fingerprinter *Fingerprinter
	sequences     *SequenceResolver
	idGenerator   IDGenerator
	timeSource    TimeSource

	runLocks sync.Map // club id -> *sync.Mutex
}

// NewService creates a new Service with default ID generator and time source.
// provider may be nil when no AI backend is configured.
func NewService(db DB, storage Storage, provider ai.Provider, cfg ServiceConfig) *Service {
	return NewServiceWithDeps(db, storage, provider, cfg, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, provider ai.Provider, cfg ServiceConfig, idGen IDGenerator, timeSrc TimeSource) *Service {
	var (
		scanner ai.Scanner
		advisor ai.Advisor
	)
	if provider != nil {
		scanner = provider
		advisor = provider
	}

	linker := NewLinker(db, timeSrc)
	matches := NewMatchStore(db, idGen, timeSrc)
	catalog := NewCatalogCache(db)
	return &Service{
		db:            db,
		storage:       storage,
		scanner:       scanner,
		linker:        linker,
		matcher:       NewMatcher(db, cfg.Rules, linker),
		hybrid:        NewHybridMatcher(advisor, cfg.AI, matches, catalog, cfg.AIWorkers),
		matches:       matches,
		catalog:       catalog,
		fingerprinter: NewFingerprinter(db),
		sequences:     NewSequenceResolver(db),
		idGenerator:   idGen,
		timeSource:    timeSrc,
	}
}

// lockRun allows one matching run per club at a time
func (s *Service) lockRun(clubID string) (func(), error) {
	v, _ := s.runLocks.LoadOrStore(clubID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, ErrRunInProgress
	}
	return mu.Unlock, nil
}

// AIAvailable reports whether AI matching can run
func (s *Service) AIAvailable() bool {
	return s.hybrid.IsAvailable()
}

// ImportTransactions stores new statement lines and returns how many were
// added. A transaction already stored is never rewritten; a re-import that
// disagrees with the stored statement fields is logged and ignored.
func (s *Service) ImportTransactions(clubID string, txs []*Transaction) (int, error) {
	if clubID == "" {
		return 0, ErrMissingClub
	}
	now := s.timeSource.Now()
	added := 0
	err := s.db.Update(clubID, func(tx ClubTx) error {
		for _, t := range txs {
			if t.ID == "" {
				t.ID = s.idGenerator.Generate()
			}
			t.ClubID = clubID
			t.Sequence = strings.TrimSpace(t.Sequence)

			existing, err := tx.GetTransaction(t.ID)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				return err
			default:
				if !existing.sameStatement(t) {
					slog.Warn("ignoring changed statement line", "club", clubID, "transaction", t.ID)
				}
				continue
			}

			t.MatchedEntities = nil
			t.Reconciled = false
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			if err := tx.PutTransaction(t); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("importing transactions: %w", err)
	}
	slog.Info("transactions imported", "club", clubID, "received", len(txs), "added", added)
	return added, nil
}

// CreateExpense stores a new reimbursement request. Links are only made by
// the reconciliation engine, so any incoming link is dropped.
func (s *Service) CreateExpense(clubID string, e *Expense) (*Expense, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	if e.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount %s is negative", ErrInvalidExpense, e.Amount)
	}

	now := s.timeSource.Now()
	e.ID = s.idGenerator.Generate()
	e.ClubID = clubID
	e.TransactionID = ""
	e.AutoLinked = false
	e.LinkProvenance = ""
	if e.Status == "" {
		e.Status = ExpensePending
	}
	if e.RequestedDate.IsZero() {
		e.RequestedDate = now
	}
	if e.Category != "" && e.AccountCode == "" {
		code, err := s.catalog.AccountCode(clubID, e.Category)
		if err != nil {
			slog.Warn("account code lookup failed", "club", clubID, "category", e.Category, "error", err)
		}
		e.AccountCode = code
	}
	e.CreatedAt = now
	e.UpdatedAt = now

	if err := s.db.SaveExpense(clubID, e); err != nil {
		return nil, fmt.Errorf("saving expense: %w", err)
	}
	return e, nil
}

// ListTransactions returns the club's transactions by execution date
func (s *Service) ListTransactions(clubID string) ([]*Transaction, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	list, err := s.db.ListTransactions(clubID)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	sortTransactions(list)
	return list, nil
}

// ListExpenses returns the club's expenses by creation time
func (s *Service) ListExpenses(clubID string) ([]*Expense, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	list, err := s.db.ListExpenses(clubID)
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}
	sortExpenses(list)
	return list, nil
}

// AnalyzeDocuments flags duplicates in an upload batch without storing anything
func (s *Service) AnalyzeDocuments(clubID string, files []UploadedFile) (BatchAnalysis, error) {
	return s.fingerprinter.AnalyzeBatch(clubID, files)
}

// DocumentImport describes the draft expense created from an uploaded document
type DocumentImport struct {
	Expense     *Expense     `json:"expense"`
	Sequence    string       `json:"sequence,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Linked      bool         `json:"linked"`
	Scanned     bool         `json:"scanned"`
	Duplicate   bool         `json:"duplicate"`
}

// ImportDocument turns an uploaded justification into a draft expense.
//
// A sequence in the filename pre-fills the expense from its transaction and
// links the two. Without one, the AI scanner (when configured) pre-fills the
// fields for review. A document whose content is already stored is refused
// unless force is set.
func (s *Service) ImportDocument(ctx context.Context, clubID string, file UploadedFile, force bool) (*DocumentImport, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}

	analysis, err := s.fingerprinter.AnalyzeBatch(clubID, []UploadedFile{file})
	if err != nil {
		return nil, err
	}
	verdict := analysis[file.Filename]
	if verdict.IsDuplicate && !force {
		return nil, fmt.Errorf("%s matches a document of expense %s: %w", file.Filename, verdict.ExistingExpense, ErrDuplicateDocument)
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	savedPath, err := s.storage.Save(fmt.Sprintf("%s/%s_%s", clubID, id, sanitizeFilename(file.Filename)), file.Data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	expense := &Expense{
		ID:            id,
		ClubID:        clubID,
		Status:        ExpensePending,
		RequestedDate: now,
		Documents: []JustificationDocument{{
			Filename:    file.Filename,
			Path:        savedPath,
			ContentType: file.ContentType,
			Hash:        verdict.Hash,
			UploadedAt:  now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	result := &DocumentImport{Expense: expense, Duplicate: verdict.IsDuplicate}

	seq, hasSequence := ExtractSequence(file.Filename)
	if hasSequence {
		result.Sequence = seq.String()
		t, err := s.sequences.FindTransactionBySequence(clubID, seq)
		if err != nil {
			slog.Warn("sequence lookup failed", "club", clubID, "sequence", seq.String(), "error", err)
		}
		if t != nil {
			prefillFromTransaction(expense, t)
			result.Transaction = t
		}
	}

	if result.Transaction == nil && s.scanner != nil {
		data, err := s.scanner.ScanDocument(ctx, file.Data, file.ContentType)
		if err != nil {
			slog.Error("Failed to scan document",
				"filename", file.Filename,
				"content_type", file.ContentType,
				"file_size", len(file.Data),
				"error", err,
			)
		} else {
			prefillFromDocument(expense, data)
			result.Scanned = true
		}
	}

	if err := s.db.SaveExpense(clubID, expense); err != nil {
		if delErr := s.storage.Delete(savedPath); delErr != nil {
			slog.Warn("removing orphaned document failed", "path", savedPath, "error", delErr)
		}
		return nil, fmt.Errorf("saving expense: %w", err)
	}

	if t := result.Transaction; t != nil && !t.IsLinked() {
		if err := s.linker.LinkBySequence(clubID, t.ID, expense.ID, seq); err != nil {
			slog.Warn("sequence link failed", "club", clubID, "transaction", t.ID, "expense", expense.ID, "error", err)
		} else {
			result.Linked = true
			if fresh, err := s.db.GetExpense(clubID, expense.ID); err == nil {
				result.Expense = fresh
			}
			if fresh, err := s.db.GetTransaction(clubID, t.ID); err == nil {
				result.Transaction = fresh
			}
		}
	}

	slog.Info("document imported",
		"club", clubID,
		"expense", expense.ID,
		"sequence", result.Sequence,
		"linked", result.Linked,
		"scanned", result.Scanned,
		"forced_duplicate", result.Duplicate)
	return result, nil
}

func prefillFromTransaction(e *Expense, t *Transaction) {
	e.Amount = t.Amount.Abs()
	if !t.ExecutionDate.IsZero() {
		e.RequestedDate = t.ExecutionDate
	}
	e.Description = strings.TrimSpace(t.Communication)
	if e.Description == "" {
		e.Description = t.CounterpartyName
	}
}

func prefillFromDocument(e *Expense, data *ai.DocumentData) {
	e.Description = data.Title
	e.Amount = decimal.NewFromFloat(data.Amount).Round(2)
	if date, err := time.Parse(aiDateLayout, data.Date); err == nil {
		e.RequestedDate = date
	}
}

// SequenceLink is a link made by the sequence pre-pass
type SequenceLink struct {
	ExpenseID     string `json:"expense_id"`
	TransactionID string `json:"transaction_id"`
	Sequence      string `json:"sequence"`
}

// SequencePrePass links open expenses whose document filenames name a known
// statement line. It runs before the scoring passes and never scores.
func (s *Service) SequencePrePass(clubID string) ([]SequenceLink, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	unlock, err := s.lockRun(clubID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	expenses, err := s.ListExpenses(clubID)
	if err != nil {
		return nil, err
	}

	links := []SequenceLink{}
	for _, e := range expenses {
		if e.IsLinked() || e.Status == ExpenseRejected {
			continue
		}
		for _, doc := range e.Documents {
			seq, ok := ExtractSequence(doc.Filename)
			if !ok {
				continue
			}
			t, err := s.sequences.FindTransactionBySequence(clubID, seq)
			if err != nil {
				slog.Warn("sequence lookup failed", "club", clubID, "sequence", seq.String(), "error", err)
				continue
			}
			if t == nil || t.IsLinked() {
				continue
			}
			if err := s.linker.LinkBySequence(clubID, t.ID, e.ID, seq); err != nil {
				slog.Warn("sequence link failed", "club", clubID, "transaction", t.ID, "expense", e.ID, "error", err)
				continue
			}
			links = append(links, SequenceLink{ExpenseID: e.ID, TransactionID: t.ID, Sequence: seq.String()})
			break
		}
	}
	slog.Info("sequence pre-pass finished", "club", clubID, "linked", len(links))
	return links, nil
}

// PerformBatchMatching runs the deterministic matcher
func (s *Service) PerformBatchMatching(clubID string, autoLink bool) (*BatchMatchResult, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	unlock, err := s.lockRun(clubID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.matcher.PerformBatchMatching(clubID, autoLink)
}

// HybridRunResult combines the deterministic and AI passes of RunHybrid
type HybridRunResult struct {
	Batch *BatchMatchResult `json:"batch"`
	AI    *HybridResult     `json:"ai"`
}

// RunHybrid runs the deterministic matcher without auto-linking, then hands
// what it left unmatched to the AI matcher.
func (s *Service) RunHybrid(ctx context.Context, clubID, actorID string, limit int, onProgress ProgressFunc) (*HybridRunResult, error) {
	switch {
	case clubID == "":
		return nil, ErrMissingClub
	case actorID == "":
		return nil, ErrMissingActor
	case !s.hybrid.IsAvailable():
		return nil, ErrAIUnavailable
	case limit <= 0:
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	unlock, err := s.lockRun(clubID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	batch, err := s.matcher.PerformBatchMatching(clubID, false)
	if err != nil {
		return nil, err
	}

	aiResult, err := s.hybrid.HybridMatching(ctx, clubID, actorID, batch.Unmatched.Transactions, batch.Unmatched.Expenses, limit, onProgress)
	if errors.Is(err, ErrNothingToMatch) {
		aiResult, err = &HybridResult{Matches: []*AIMatch{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &HybridRunResult{Batch: batch, AI: aiResult}, nil
}

// GetMatch returns one AI match
func (s *Service) GetMatch(clubID, id string) (*AIMatch, error) {
	return s.matches.GetMatch(clubID, id)
}

// ListMatches returns the club's AI matches, all of them when status is empty
func (s *Service) ListMatches(clubID, status string) ([]*AIMatch, error) {
	if status == "" {
		return s.matches.GetAllMatches(clubID)
	}
	return s.matches.GetMatchesByStatus(clubID, status)
}

// MatchStats counts the club's AI matches per status
func (s *Service) MatchStats(clubID string) (MatchStats, error) {
	return s.matches.GetMatchesStats(clubID)
}

// ValidateAIMatch accepts a pending proposal and links its pair in the same write
func (s *Service) ValidateAIMatch(clubID, matchID, actorID string) (*AIMatch, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	var validated *AIMatch
	err := s.db.Update(clubID, func(tx ClubTx) error {
		m, err := tx.GetMatch(matchID)
		if err != nil {
			return err
		}
		if err := transitionMatch(m, MatchValidated, actorID, s.timeSource.Now()); err != nil {
			return err
		}
		err = s.linker.linkInTx(tx, m.TransactionID, m.ExpenseID, linkOptions{provenance: aiProvenance(m.ID)})
		if err != nil {
			return err
		}
		validated = m
		return tx.PutMatch(m)
	})
	if err != nil {
		return nil, fmt.Errorf("validating ai match %s: %w", matchID, err)
	}
	slog.Info("ai match validated", "club", clubID, "match", matchID, "actor", actorID)
	return validated, nil
}

// RejectAIMatch discards a pending proposal; nothing is linked
func (s *Service) RejectAIMatch(clubID, matchID, actorID string) (*AIMatch, error) {
	m, err := s.matches.UpdateMatchStatus(clubID, matchID, MatchRejected, actorID)
	if err != nil {
		return nil, err
	}
	slog.Info("ai match rejected", "club", clubID, "match", matchID, "actor", actorID)
	return m, nil
}

// ReassignAIMatch rejects a pending proposal and links its expense to the
// transaction a human picked instead, in one write.
func (s *Service) ReassignAIMatch(clubID, matchID, transactionID, actorID string) (*AIMatch, error) {
	if clubID == "" {
		return nil, ErrMissingClub
	}
	var rejected *AIMatch
	err := s.db.Update(clubID, func(tx ClubTx) error {
		m, err := tx.GetMatch(matchID)
		if err != nil {
			return err
		}
		if err := transitionMatch(m, MatchRejected, actorID, s.timeSource.Now()); err != nil {
			return err
		}
		if err := s.linker.linkInTx(tx, transactionID, m.ExpenseID, linkOptions{provenance: ProvenanceManual}); err != nil {
			return err
		}
		rejected = m
		return tx.PutMatch(m)
	})
	if err != nil {
		return nil, fmt.Errorf("reassigning ai match %s: %w", matchID, err)
	}
	slog.Info("ai match reassigned", "club", clubID, "match", matchID, "transaction", transactionID, "actor", actorID)
	return rejected, nil
}

// LinkManually links a pair chosen by a human
func (s *Service) LinkManually(clubID, transactionID, expenseID string) error {
	return s.linker.LinkManually(clubID, transactionID, expenseID)
}

// Unlink removes a link in both directions
func (s *Service) Unlink(clubID, transactionID, expenseID string) error {
	return s.linker.UnlinkExpenseFromTransaction(expenseID, transactionID, clubID)
}

// SaveCategories replaces the club's catalog and drops the cached copy
func (s *Service) SaveCategories(clubID string, categories []Category) error {
	if err := s.db.SaveCategories(clubID, categories); err != nil {
		return fmt.Errorf("saving categories: %w", err)
	}
	s.catalog.Invalidate(clubID)
	return nil
}

// ReloadCatalog refreshes the cached catalog from the database
func (s *Service) ReloadCatalog(clubID string) ([]Category, error) {
	return s.catalog.Reload(clubID)
}

// Categories returns the club's cached catalog
func (s *Service) Categories(clubID string) ([]Category, error) {
	return s.catalog.Categories(clubID)
}

// GetExpenseDocument returns one justification of an expense with its bytes
func (s *Service) GetExpenseDocument(clubID, expenseID string, index int) (*JustificationDocument, []byte, error) {
	if clubID == "" {
		return nil, nil, ErrMissingClub
	}
	e, err := s.db.GetExpense(clubID, expenseID)
	if err != nil {
		return nil, nil, err
	}
	if index < 0 || index >= len(e.Documents) {
		return nil, nil, fmt.Errorf("document %d of expense %s: %w", index, expenseID, ErrNotFound)
	}
	doc := e.Documents[index]
	data, err := s.storage.Get(doc.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading document %s: %w", doc.Path, err)
	}
	return &doc, data, nil
}
