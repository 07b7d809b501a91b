// Package parser turns free-form inbound messages into structured intents
// using Gemini's JSON schema mode. Model output is normalized against closed
// vocabularies before anything downstream sees it.
package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/rolodex-crm/rolodex/internal/config"
)

// Parser defines the message parsing interface used by the orchestration
// pipeline.
type Parser interface {
	// Parse interprets the request and returns a normalized result. A nil
	// error with an unknown-intent result means the model answered but the
	// answer was unusable; an error means the API call itself failed.
	Parse(ctx context.Context, req Request) (*Result, error)
}

var contactRefSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"name":       {Type: genai.TypeString, Description: "Canonical contact name from the list, or the user's wording for match_type new. Empty for match_type none."},
		"match_type": {Type: genai.TypeString, Description: "One of: exact, fuzzy, ambiguous, new, none."},
		"candidates": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}, Description: "Canonical candidate names for match_type ambiguous, or one close-spelling candidate for match_type new. Empty otherwise."},
	},
	Required: []string{"name", "match_type", "candidates"},
}

var resultSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"is_continuation":        {Type: genai.TypeBoolean, Description: "True when the message answers the pending context question."},
		"pending_intent":         {Type: genai.TypeString, Description: "The pending context's intent when is_continuation is true. Empty otherwise."},
		"intent":                 {Type: genai.TypeString, Description: "One of: log_interaction, query, set_reminder, update_contact, archive, unknown."},
		"contacts":               {Type: genai.TypeArray, Items: contactRefSchema, Description: "One entry per person the message concerns."},
		"interaction_date":       {Type: genai.TypeString, Description: "YYYY-MM-DD when the interaction happened. Empty if not mentioned."},
		"follow_up_date":         {Type: genai.TypeString, Description: "YYYY-MM-DD only when the user explicitly mentions follow-up timing. Empty otherwise."},
		"new_name":               {Type: genai.TypeString, Description: "Target name for update_contact. Empty for other intents."},
		"needs_clarification":    {Type: genai.TypeBoolean, Description: "True when the user must answer a question before the action can run."},
		"clarification_question": {Type: genai.TypeString, Description: "The question to ask when needs_clarification is true."},
		"response_message":       {Type: genai.TypeString, Description: "The conversational reply to send."},
	},
	Required: []string{
		"is_continuation", "pending_intent", "intent", "contacts",
		"interaction_date", "follow_up_date", "new_name",
		"needs_clarification", "clarification_question", "response_message",
	},
}

type geminiParser struct {
	genaiClient   *genai.Client
	log           *slog.Logger
	contentConfig *genai.GenerateContentConfig
	modelName     string
	maxRetries    int
	retryDelay    time.Duration
	fallbackReply string
}

// New creates a Gemini-backed parser. fallbackReply is sent as the
// unknown-intent response when the model's output cannot be used.
func New(ctx context.Context, cfg config.GeminiConfig, fallbackReply string, log *slog.Logger) (Parser, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	baseCfg := &genai.GenerateContentConfig{
		Temperature:       &cfg.Temperature,
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}},

		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
		},
	}

	logger := log.With("component", "parser")
	logger.Info("Gemini parser initialized successfully", "model", cfg.ModelName)
	return &geminiParser{
		genaiClient:   gi,
		log:           logger,
		contentConfig: baseCfg,
		modelName:     cfg.ModelName,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    time.Duration(cfg.RetryDelaySeconds) * time.Second,
		fallbackReply: fallbackReply,
	}, nil
}

// Parse interprets the request using JSON schema mode.
func (p *geminiParser) Parse(ctx context.Context, req Request) (*Result, error) {
	p.log.DebugContext(ctx, "Parsing message",
		"text_len", len(req.Text), "contact_count", len(req.Contacts), "has_pending", req.Pending != nil)

	contents := []*genai.Content{genai.NewContentFromText(buildPrompt(req), genai.RoleUser)}

	copyCfg := *p.contentConfig
	copyCfg.ResponseMIMEType = "application/json"
	copyCfg.ResponseSchema = resultSchema

	resp, err := p.generateContentWithRetries(ctx, contents, &copyCfg)
	if err != nil {
		p.log.ErrorContext(ctx, "Gemini parse call failed", "error", err)
		return nil, fmt.Errorf("message parse failed: %w", err)
	}

	jsonText, err := p.responseText(ctx, resp)
	if err != nil {
		p.log.WarnContext(ctx, "Unusable Gemini response, falling back to unknown intent", "error", err)
		return p.fallbackResult(), nil
	}

	raw, ok := ExtractJSON(jsonText)
	if !ok {
		p.log.WarnContext(ctx, "No JSON object found in Gemini response, falling back to unknown intent",
			"response_text", jsonText)
		return p.fallbackResult(), nil
	}

	result, err := DecodeResult(raw)
	if err != nil {
		p.log.WarnContext(ctx, "Failed to decode parse result, falling back to unknown intent", "error", err)
		return p.fallbackResult(), nil
	}
	p.log.DebugContext(ctx, "Message parsed",
		"intent", result.Intent, "contact_count", len(result.Contacts), "is_continuation", result.IsContinuation)
	return result, nil
}

// fallbackResult is the safe answer when the model's output is unusable: an
// unknown intent carrying the configured try-again reply.
func (p *geminiParser) fallbackResult() *Result {
	return &Result{
		Intent:          IntentUnknown,
		ResponseMessage: p.fallbackReply,
	}
}

func (p *geminiParser) generateContentWithRetries(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= p.maxRetries; i++ {
		resp, err = p.genaiClient.Models.GenerateContent(ctx, p.modelName, contents, cfg)
		if err == nil {
			return resp, nil
		}

		p.log.WarnContext(ctx, "Gemini API call failed, checking for retry",
			"attempt", i+1, "max_retries", p.maxRetries, "error", err)

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) {
			if i < p.maxRetries {
				p.log.InfoContext(ctx, "Retrying Gemini API call", "delay", p.retryDelay, "code", apiErr.Code)
				time.Sleep(p.retryDelay)
				continue
			}
			return nil, fmt.Errorf("gemini API call failed after %d retries (APIError code %d): %w", p.maxRetries, apiErr.Code, err)
		}

		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return nil, err
}

func (p *geminiParser) responseText(ctx context.Context, resp *genai.GenerateContentResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reason := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reason = resp.PromptFeedback.BlockReasonMessage
		}
		p.log.WarnContext(ctx, "Gemini request blocked", "reason", reason)
		return "", fmt.Errorf("parse blocked by safety filter: %s", reason)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		return "", fmt.Errorf("parse returned no content, finish reason: %s", finishReason)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("parse returned empty text")
	}
	return text, nil
}
