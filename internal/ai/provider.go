// Package ai wraps the external reasoning providers used by the reconciliation
// engine. A provider can read a justification document (amount, date, title)
// and can propose which expense a bank transaction most likely pays.
package ai

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	ProviderGemini = "gemini"
	ProviderOllama = "ollama"
)

// DocumentData contains fields extracted from a justification document
type DocumentData struct {
	Title        string  `json:"title"`
	Date         string  `json:"date"` // ISO 8601, empty when unreadable
	Amount       float64 `json:"amount"`
	Counterparty string  `json:"counterparty"`
}

// TransactionInfo is the bank statement line shown to the provider
type TransactionInfo struct {
	ID            string `json:"id"`
	Amount        string `json:"amount"`
	Date          string `json:"date"`
	Counterparty  string `json:"counterparty"`
	Communication string `json:"communication"`
}

// CandidateExpense is one expense the provider may pick
type CandidateExpense struct {
	ID          string `json:"id"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
	RequestedBy string `json:"requested_by"`
	Date        string `json:"date"`
}

// MatchContext is optional auxiliary knowledge about the club
type MatchContext struct {
	Categories   []string `json:"categories,omitempty"`
	Members      []string `json:"members,omitempty"`
	RecentEvents []string `json:"recent_events,omitempty"`
}

// MatchRequest asks for the best expense for one transaction
type MatchRequest struct {
	Transaction TransactionInfo    `json:"transaction"`
	Candidates  []CandidateExpense `json:"candidates"`
	Context     MatchContext       `json:"context"`
}

// Proposal is the provider's answer. A nil *Proposal means "no match".
type Proposal struct {
	ExpenseID  string  `json:"expense_id"`
	Confidence float64 `json:"confidence"` // 0-100
	Reasoning  string  `json:"reasoning"`
}

// Scanner extracts expense fields from an uploaded document
type Scanner interface {
	ScanDocument(ctx context.Context, data []byte, contentType string) (*DocumentData, error)
}

// Advisor proposes a match for a transaction among candidate expenses
type Advisor interface {
	ProposeMatch(ctx context.Context, req MatchRequest) (*Proposal, error)
}

// Provider is a configured backend implementing both capabilities
type Provider interface {
	Scanner
	Advisor
	Close() error
}

// Config selects and configures a provider. It is injected at construction
// and never read from globals.
type Config struct {
	Provider    string
	GeminiKey   string
	GeminiModel string
	OllamaURL   string
	OllamaModel string
	Timeout     time.Duration
}

// Available reports whether the configuration carries a usable credential.
func (c Config) Available() bool {
	switch strings.ToLower(c.Provider) {
	case ProviderGemini:
		return strings.TrimSpace(c.GeminiKey) != ""
	case ProviderOllama:
		return strings.TrimSpace(c.OllamaURL) != ""
	default:
		return false
	}
}

// NewProvider builds the provider named by cfg.Provider
func NewProvider(cfg Config) (Provider, error) {
	if !cfg.Available() {
		return nil, fmt.Errorf("ai provider %q is not configured", cfg.Provider)
	}
	switch strings.ToLower(cfg.Provider) {
	case ProviderGemini:
		return NewGemini(cfg.GeminiKey, cfg.GeminiModel, cfg.Timeout)
	case ProviderOllama:
		return NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.Timeout)
	}
	return nil, fmt.Errorf("unknown ai provider: %s", cfg.Provider)
}
