package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

var documentDateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
}

// extractJSONObject strips markdown fences and chatter around the first JSON object
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")

	start := strings.Index(text, "{")
	if start == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		return "", fmt.Errorf("invalid JSON object in response")
	}
	return text[start : end+1], nil
}

// parseDocumentJSON parses a document extraction answer
func parseDocumentJSON(text string) (*DocumentData, error) {
	raw, err := extractJSONObject(text)
	if err != nil {
		return nil, err
	}

	var data DocumentData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	// Unreadable dates are left empty so a human fills them in during review.
	data.Date = normalizeDocumentDate(data.Date)
	data.Title = strings.TrimSpace(data.Title)
	data.Counterparty = strings.TrimSpace(data.Counterparty)
	if data.Title == "" {
		data.Title = data.Counterparty
	}
	if data.Amount < 0 {
		data.Amount = -data.Amount
	}
	return &data, nil
}

func normalizeDocumentDate(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	for _, format := range documentDateFormats {
		if d, err := time.Parse(format, value); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return ""
}

// parseProposalJSON parses a match answer. A null or empty expense id means no match.
func parseProposalJSON(text string) (*Proposal, error) {
	raw, err := extractJSONObject(text)
	if err != nil {
		return nil, err
	}

	var answer struct {
		ExpenseID  *string  `json:"expense_id"`
		Confidence *float64 `json:"confidence"`
		Reasoning  string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &answer); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	if answer.ExpenseID == nil {
		return nil, nil
	}
	id := strings.TrimSpace(*answer.ExpenseID)
	if id == "" || strings.EqualFold(id, "null") || strings.EqualFold(id, "none") {
		return nil, nil
	}
	if answer.Confidence == nil {
		return nil, fmt.Errorf("missing confidence for expense %s", id)
	}

	confidence := *answer.Confidence
	// Some models answer on a 0-1 scale despite the instructions.
	if confidence > 0 && confidence < 1 {
		confidence *= 100
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	return &Proposal{
		ExpenseID:  id,
		Confidence: confidence,
		Reasoning:  strings.TrimSpace(answer.Reasoning),
	}, nil
}
