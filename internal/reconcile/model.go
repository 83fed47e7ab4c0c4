package reconcile

import (
	"encoding/json"
	"path"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ExpenseSchemaVersion is written on every saved expense
const ExpenseSchemaVersion = 2

// Expense lifecycle statuses; managed outside the matching core
const (
	ExpensePending  = "pending"
	ExpenseApproved = "approved"
	ExpenseRejected = "rejected"
	ExpensePaid     = "paid"
)

// EntityExpense is the only matched-entity type created by the engine
const EntityExpense = "expense"

// MatchedEntity is a back-reference from a transaction to what it pays
type MatchedEntity struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	Label      string    `json:"label,omitempty"`
	AutoLinked bool      `json:"auto_linked"`
	Provenance string    `json:"provenance,omitempty"`
	LinkedAt   time.Time `json:"linked_at"`
}

// Transaction is an imported bank statement line
type Transaction struct {
	ID               string          `json:"id"`
	ClubID           string          `json:"club_id"`
	Sequence         string          `json:"sequence,omitempty"`
	Amount           decimal.Decimal `json:"amount"` // negative = outflow
	ExecutionDate    time.Time       `json:"execution_date"`
	ValueDate        time.Time       `json:"value_date"`
	CounterpartyName string          `json:"counterparty_name"`
	CounterpartyIBAN string          `json:"counterparty_iban,omitempty"`
	Communication    string          `json:"communication"`
	MatchedEntities  []MatchedEntity `json:"matched_entities,omitempty"`
	Reconciled       bool            `json:"reconciled"`
	CreatedAt        time.Time       `json:"created_at"`
}

// IsLinked reports whether the transaction already pays something
func (t *Transaction) IsLinked() bool {
	return t.Reconciled || len(t.MatchedEntities) > 0
}

// sameStatement reports whether o carries the same bank statement fields
func (t *Transaction) sameStatement(o *Transaction) bool {
	return t.Sequence == o.Sequence &&
		t.Amount.Equal(o.Amount) &&
		t.ExecutionDate.Equal(o.ExecutionDate) &&
		t.ValueDate.Equal(o.ValueDate) &&
		t.CounterpartyName == o.CounterpartyName &&
		t.CounterpartyIBAN == o.CounterpartyIBAN &&
		t.Communication == o.Communication
}

func (t *Transaction) hasEntity(entityType, id string) bool {
	for _, e := range t.MatchedEntities {
		if e.Type == entityType && e.ID == id {
			return true
		}
	}
	return false
}

func (t *Transaction) removeEntity(entityType, id string) bool {
	kept := t.MatchedEntities[:0]
	removed := false
	for _, e := range t.MatchedEntities {
		if e.Type == entityType && e.ID == id {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	t.MatchedEntities = kept
	if removed {
		t.Reconciled = len(kept) > 0
	}
	return removed
}

// Requester identifies the member who asked for the reimbursement
type Requester struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// JustificationDocument is an uploaded file backing an expense
type JustificationDocument struct {
	Filename    string    `json:"filename"`
	Path        string    `json:"path"`
	ContentType string    `json:"content_type,omitempty"`
	Hash        string    `json:"hash,omitempty"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Expense is a reimbursement request
type Expense struct {
	ID             string                  `json:"id"`
	ClubID         string                  `json:"club_id"`
	SchemaVersion  int                     `json:"schema_version"`
	Amount         decimal.Decimal         `json:"amount"`
	RequestedBy    Requester               `json:"requested_by"`
	Description    string                  `json:"description"`
	Category       string                  `json:"category,omitempty"`
	AccountCode    string                  `json:"account_code,omitempty"`
	RequestedDate  time.Time               `json:"requested_date"`
	TransactionID  string                  `json:"transaction_id,omitempty"`
	AutoLinked     bool                    `json:"auto_linked,omitempty"`
	LinkProvenance string                  `json:"link_provenance,omitempty"`
	Documents      []JustificationDocument `json:"documents,omitempty"`
	Status         string                  `json:"status"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// Label is the human readable name used on transaction back-references
func (e *Expense) Label() string {
	if e.Description != "" {
		return e.Description
	}
	return e.RequestedBy.Name
}

// IsLinked reports whether the expense already has a transaction
func (e *Expense) IsLinked() bool {
	return e.TransactionID != ""
}

// UnmarshalJSON resolves the legacy single-URL justification format
// (schema version 1) into the document list.
func (e *Expense) UnmarshalJSON(data []byte) error {
	type expenseAlias Expense
	var raw struct {
		expenseAlias
		LegacyURL  string `json:"justification_url,omitempty"`
		LegacyHash string `json:"justification_hash,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = Expense(raw.expenseAlias)
	if raw.LegacyURL != "" && len(e.Documents) == 0 {
		e.Documents = []JustificationDocument{{
			Filename:   path.Base(raw.LegacyURL),
			Path:       raw.LegacyURL,
			Hash:       raw.LegacyHash,
			UploadedAt: e.CreatedAt,
		}}
	}
	if e.SchemaVersion < ExpenseSchemaVersion {
		e.SchemaVersion = ExpenseSchemaVersion
	}
	return nil
}

// AIMatch statuses
const (
	MatchPending   = "pending"
	MatchValidated = "validated"
	MatchRejected  = "rejected"
)

// AIMatch is a persisted, human reviewable proposal from the AI-assisted matcher
type AIMatch struct {
	ID            string     `json:"id"`
	ClubID        string     `json:"club_id"`
	TransactionID string     `json:"transaction_id"`
	ExpenseID     string     `json:"expense_id"`
	Confidence    float64    `json:"confidence"`
	Reasoning     string     `json:"reasoning"`
	Status        string     `json:"status"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	ValidatedBy   string     `json:"validated_by,omitempty"`
	ValidatedAt   *time.Time `json:"validated_at,omitempty"`
}

// MatchStats counts AI matches per status
type MatchStats struct {
	Pending   int `json:"pending"`
	Validated int `json:"validated"`
	Rejected  int `json:"rejected"`
	Total     int `json:"total"`
}

// Category is a club accounting category with its account code
type Category struct {
	Code        string `json:"code"`
	Label       string `json:"label"`
	AccountCode string `json:"account_code,omitempty"`
}

// sortTransactions orders by execution date, then ID
func sortTransactions(list []*Transaction) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].ExecutionDate.Equal(list[j].ExecutionDate) {
			return list[i].ExecutionDate.Before(list[j].ExecutionDate)
		}
		return list[i].ID < list[j].ID
	})
}

// sortExpenses orders by creation time, then ID
func sortExpenses(list []*Expense) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// sortMatches orders by creation time, then ID
func sortMatches(list []*AIMatch) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
