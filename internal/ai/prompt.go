package ai

import (
	"encoding/json"
	"fmt"
)

// documentScanPrompt is shared by all providers for reading justification documents
const documentScanPrompt = `You are reading a justification document (receipt, invoice or ticket) attached to a reimbursement request of a sports club. Read all text in the image and extract:

1. **Merchant**: the store, supplier or organisation that issued the document.
2. **Date**: the purchase or invoice date, converted to ISO 8601 (YYYY-MM-DD).
3. **Total Amount**: the final amount paid, as a number (e.g. 42.75).

Return ONLY valid JSON in this exact format:
{
  "title": "Merchant - short description",
  "date": "YYYY-MM-DD",
  "amount": 0.00,
  "counterparty": "Merchant"
}

Rules:
- Use null for any field you cannot find
- The amount must be a number, not a string
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

const matchSystemPrompt = `You reconcile the bank account of a sports club. Outgoing bank transactions usually pay back a member who advanced money for the club (a reimbursement request, called an expense). You decide which expense, if any, a transaction pays.`

// matchPromptTemplate takes the JSON encoded request
const matchPromptTemplate = `Here is one bank transaction, the candidate expenses that are still open, and some context about the club.

%s

Pick the single expense this transaction most likely reimburses. Consider the amount first (the transaction amount is negative for outgoing payments; compare absolute values), then whether the counterparty is the person who requested the expense, then the dates (payments usually follow the request by days or weeks), then the communication text.

Return ONLY valid JSON in this exact format:
{
  "expense_id": "id of the chosen expense, or null when none fits",
  "confidence": 0,
  "reasoning": "one or two sentences"
}

Rules:
- confidence is an integer between 0 and 100
- expense_id must be one of the candidate ids or null
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// buildMatchPrompt renders the user prompt for a match request
func buildMatchPrompt(req MatchRequest) (string, error) {
	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling match request: %w", err)
	}
	return fmt.Sprintf(matchPromptTemplate, payload), nil
}
