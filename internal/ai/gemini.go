package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-2.5-pro"

// Gemini implements Provider using Google Gemini
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
}

// NewGemini creates a new Gemini provider
func NewGemini(apiKey string, modelName string, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = defaultGeminiModel
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	// Matching must be as repeatable as the provider allows.
	model.SetTemperature(0)

	return &Gemini{
		client:  client,
		model:   model,
		timeout: timeout,
	}, nil
}

// ScanDocument extracts expense fields from a justification document
func (g *Gemini) ScanDocument(ctx context.Context, data []byte, contentType string) (*DocumentData, error) {
	prepared, err := prepareDocument(data, contentType)
	if err != nil {
		return nil, err
	}

	// genai.ImageData wants the format suffix, not the MIME type
	text, err := g.generate(ctx, genai.ImageData("png", prepared.data), genai.Text(documentScanPrompt))
	if err != nil {
		return nil, err
	}

	doc, err := parseDocumentJSON(text)
	if err != nil {
		return nil, fmt.Errorf("parsing document data: %w", err)
	}
	return doc, nil
}

// ProposeMatch asks Gemini which candidate expense the transaction pays
func (g *Gemini) ProposeMatch(ctx context.Context, req MatchRequest) (*Proposal, error) {
	prompt, err := buildMatchPrompt(req)
	if err != nil {
		return nil, err
	}

	text, err := g.generate(ctx, genai.Text(matchSystemPrompt), genai.Text(prompt))
	if err != nil {
		return nil, err
	}

	proposal, err := parseProposalJSON(text)
	if err != nil {
		return nil, fmt.Errorf("parsing match proposal: %w", err)
	}
	return proposal, nil
}

func (g *Gemini) generate(ctx context.Context, parts ...genai.Part) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini")
	}

	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out.WriteString(string(text))
		}
	}
	return out.String(), nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
