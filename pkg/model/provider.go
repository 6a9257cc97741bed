// Package model defines the narrow ports the turn orchestrator uses to
// reach the LLM: intent classification, streaming synthesis, and title
// generation. Implementations live alongside the interfaces.
package model

import (
	"context"
)

// PlannedCall is one tool invocation chosen by the classifier.
type PlannedCall struct {
	Tool   string                 `json:"tool"`
	Inputs map[string]interface{} `json:"inputs,omitempty"`
}

// Classification is the classifier's verdict for a user message.
type Classification struct {
	Plan       []PlannedCall `json:"plan"`
	Confidence float64       `json:"confidence"`
}

// HistoryMessage is a prior conversation entry passed to the model.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSummary carries a completed tool result into synthesis.
type ToolSummary struct {
	Tool   string                 `json:"tool"`
	Output map[string]interface{} `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Classifier decides which tools a message needs and how confident the
// plan is.
type Classifier interface {
	Classify(ctx context.Context, message string, history []HistoryMessage) (Classification, error)
}

// TokenStream yields synthesized output token by token. Recv returns
// io.EOF when the stream completes. A failed stream is not resumable;
// synthesis must start over with a fresh call.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// Synthesizer produces the streamed assistant response.
type Synthesizer interface {
	GenerateStream(ctx context.Context, message string, history []HistoryMessage, results []ToolSummary) (TokenStream, error)
}

// TitleGenerator derives a short session title from the opening message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}
