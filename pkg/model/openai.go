package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/rs/zerolog"
)

const classifierSystemPrompt = `You are the intent classifier of a financial analysis assistant.
Given the user's message and the conversation so far, decide which analysis
tools to run, in order, and how confident you are in the plan.

Available tools:
- get_stock_price(symbol): latest price for a ticker
- get_price_history(symbol, days): recent daily closes
- compute_sma(symbol, window): simple moving average

Respond with JSON only, no prose:
{"plan": [{"tool": "...", "inputs": {...}}], "confidence": 0.0}

An empty plan is valid when no tool is needed. Confidence is your belief,
between 0 and 1, that the plan is correct and safe to run unattended.`

const synthesizerSystemPrompt = `You are a financial analysis assistant. Answer the user's question
using the tool results provided. Be concise and concrete; quote numbers
from the tool output rather than inventing them. If a tool failed, say
what is missing instead of guessing.`

// Config holds OpenAI provider settings.
type Config struct {
	APIKey          string
	Model           string
	ClassifierModel string
	Temperature     float64
	MaxTokens       int
}

// OpenAIProvider implements Classifier, Synthesizer, and TitleGenerator
// on the OpenAI chat completions API.
type OpenAIProvider struct {
	client openai.Client
	cfg    Config
	logger zerolog.Logger
}

// NewOpenAIProvider creates a provider from config.
func NewOpenAIProvider(cfg Config, logger zerolog.Logger) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.ClassifierModel == "" {
		cfg.ClassifierModel = cfg.Model
	}

	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Classify implements Classifier.
func (p *OpenAIProvider) Classify(ctx context.Context, message string, history []HistoryMessage) (Classification, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(classifierSystemPrompt),
	}
	messages = append(messages, historyToParams(history)...)
	messages = append(messages, openai.UserMessage(message))

	response, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(p.cfg.ClassifierModel),
		Messages:    messages,
		Temperature: openai.Float(0),
	})
	if err != nil {
		return Classification{}, fmt.Errorf("classification call failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return Classification{}, fmt.Errorf("classification returned no choices")
	}

	var result Classification
	content := strings.TrimSpace(response.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &result); err != nil {
		return Classification{}, fmt.Errorf("failed to parse classification: %w", err)
	}

	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}

	p.logger.Debug().
		Int("planned_tools", len(result.Plan)).
		Float64("confidence", result.Confidence).
		Msg("Message classified")

	return result, nil
}

// GenerateStream implements Synthesizer.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, message string, history []HistoryMessage, results []ToolSummary) (TokenStream, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(synthesizerSystemPrompt),
	}
	messages = append(messages, historyToParams(history)...)
	messages = append(messages, openai.UserMessage(message))

	if len(results) > 0 {
		data, err := json.Marshal(results)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tool results: %w", err)
		}
		messages = append(messages, openai.SystemMessage("Tool results:\n"+string(data)))
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.cfg.Model),
		Messages: messages,
	}
	if p.cfg.Temperature > 0 {
		params.Temperature = openai.Float(p.cfg.Temperature)
	}
	if p.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.cfg.MaxTokens))
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	return &openaiTokenStream{stream: stream}, nil
}

// GenerateTitle implements TitleGenerator.
func (p *OpenAIProvider) GenerateTitle(ctx context.Context, message string) (string, error) {
	response, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.cfg.ClassifierModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("Produce a session title of at most six words for this conversation opener. Title only, no quotes."),
			openai.UserMessage(message),
		},
		Temperature: openai.Float(0),
		MaxTokens:   openai.Int(24),
	})
	if err != nil {
		return "", fmt.Errorf("title call failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("title returned no choices")
	}

	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}

func historyToParams(history []HistoryMessage) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case "assistant":
			params = append(params, openai.AssistantMessage(msg.Content))
		case "system":
			params = append(params, openai.SystemMessage(msg.Content))
		default:
			params = append(params, openai.UserMessage(msg.Content))
		}
	}
	return params
}

type openaiTokenStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
}

// Recv returns the next content token, or io.EOF when the stream ends.
func (s *openaiTokenStream) Recv() (string, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		token := chunk.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		return token, nil
	}

	if err := s.stream.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Close releases the underlying stream.
func (s *openaiTokenStream) Close() error {
	return s.stream.Close()
}
