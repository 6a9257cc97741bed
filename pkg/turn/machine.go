package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/averill/finch/internal/observability"
	"github.com/averill/finch/pkg/model"
	"github.com/averill/finch/pkg/store"
)

// Store is the slice of the session store the machine depends on.
type Store interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	CompareAndSwapStatus(ctx context.Context, id string, expected, next store.SessionStatus) (bool, error)
	AppendMessage(ctx context.Context, msg store.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]store.Message, error)
	FinalizeTurn(ctx context.Context, sessionID string, msg store.Message, execs []store.ToolExecution) error
	SavePendingTurn(ctx context.Context, pending store.PendingTurn) error
	LoadPendingTurn(ctx context.Context, sessionID string) (*store.PendingTurn, error)
	UpdateUIState(ctx context.Context, id string, state map[string]string) error
	SetTitle(ctx context.Context, id, title string) error
}

// Publisher receives every emitted event, in emission order. The
// multiplexer implements this; it must append durably before any live
// push and must never block the machine on a slow consumer.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Invoker executes one named tool under the given timeout.
type Invoker interface {
	Invoke(ctx context.Context, name string, inputs map[string]interface{}, timeout time.Duration) (map[string]interface{}, error)
}

// Config holds machine dependencies and thresholds.
type Config struct {
	Store       Store
	Publisher   Publisher
	Tools       Invoker
	Classifier  model.Classifier
	Synthesizer model.Synthesizer
	Titles      model.TitleGenerator
	Logger      zerolog.Logger

	ConfidenceThreshold   float64       // below this the turn pauses for approval (default 0.7)
	ErrorThreshold        int           // tolerated failures per turn (default 3)
	ClassificationRetries int           // classification attempts (default 3)
	ToolTimeout           time.Duration // per tool call (default 30s)
	BackoffBase           time.Duration // classification retry backoff unit (default 1s)
}

// Machine orchestrates turns. One logical thread of control per session
// is enforced through the store's status CAS, not in-memory locking, so
// the invariant holds across process boundaries.
type Machine struct {
	cfg Config

	runsMu     sync.Mutex
	activeRuns map[string]context.CancelFunc
	awaiting   int
}

// New creates a machine, applying threshold defaults.
func New(cfg Config) (*Machine, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool invoker is required")
	}
	if cfg.Classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if cfg.Synthesizer == nil {
		return nil, fmt.Errorf("synthesizer is required")
	}

	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 3
	}
	if cfg.ClassificationRetries <= 0 {
		cfg.ClassificationRetries = 3
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}

	return &Machine{
		cfg:        cfg,
		activeRuns: make(map[string]context.CancelFunc),
	}, nil
}

// IsActive reports whether this process is currently running a turn for
// the session.
func (m *Machine) IsActive(sessionID string) bool {
	m.runsMu.Lock()
	defer m.runsMu.Unlock()
	_, ok := m.activeRuns[sessionID]
	return ok
}

// turnRun is the in-flight state of one turn execution.
type turnRun struct {
	sess        *store.Session
	em          *emitter
	userMessage string
	history     []model.HistoryMessage
	errorCount  int
	execs       []store.ToolExecution
	logger      zerolog.Logger
}

// ExecuteTurn runs one user message to a terminal event. The session
// must be idle; otherwise ErrTurnAlreadyActive is returned and nothing
// is queued. Events flow through the configured Publisher.
func (m *Machine) ExecuteTurn(ctx context.Context, sessionID, userMessage string) error {
	if strings.TrimSpace(userMessage) == "" {
		return fmt.Errorf("user message cannot be empty")
	}

	sess, err := m.cfg.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	ok, err := m.cfg.Store.CompareAndSwapStatus(ctx, sessionID, store.StatusIdle, store.StatusTurnActive)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTurnAlreadyActive
	}

	turnID := uuid.NewString()
	logger := m.cfg.Logger.With().
		Str("session_id", sessionID).
		Str("turn_id", turnID).
		Logger()

	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	observability.SetActiveTurns(m.registerRun(sessionID, cancel))
	defer func() {
		observability.SetActiveTurns(m.unregisterRun(sessionID))
	}()

	run := &turnRun{
		sess:        sess,
		em:          &emitter{sessionID: sessionID, turnID: turnID},
		userMessage: userMessage,
		logger:      logger,
	}

	history, err := m.cfg.Store.ListMessages(runCtx, sessionID)
	if err != nil {
		return m.failTurn(run, err, failureNotice)
	}
	run.history = toHistory(history)

	if err := m.cfg.Store.AppendMessage(runCtx, store.Message{
		SessionID: sessionID,
		Role:      "user",
		Source:    "human",
		Content:   userMessage,
	}); err != nil {
		return m.failTurn(run, err, failureNotice)
	}

	logger.Info().Msg("Turn started")

	// Classifying
	classification, err := m.classifyWithRetry(runCtx, run)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return m.cancelledTurn(run, start)
		}
		observability.RecordTurn("classification_failed", time.Since(start))
		return m.failTurn(run, fmt.Errorf("%w: %v", ErrClassificationFailed, err), failureNotice)
	}

	// Confidence gate, before any tool runs unattended
	if classification.Confidence < m.cfg.ConfidenceThreshold {
		logger.Info().
			Float64("confidence", classification.Confidence).
			Float64("threshold", m.cfg.ConfidenceThreshold).
			Msg("Turn paused for approval")
		return m.park(runCtx, run, classification.Confidence, toStorePlan(classification.Plan))
	}

	// Dispatching
	remaining, err := m.dispatch(runCtx, run, classification.Plan)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return m.cancelledTurn(run, start)
		}
		return m.failTurn(run, err, failureNotice)
	}

	// Error-budget gate
	if run.errorCount > m.cfg.ErrorThreshold {
		logger.Warn().
			Int("error_count", run.errorCount).
			Msg("Turn paused for approval after exceeding error budget")
		return m.park(runCtx, run, classification.Confidence, remaining)
	}

	// Synthesizing
	if err := m.synthesizeAndFinalize(runCtx, run); err != nil {
		if errors.Is(err, context.Canceled) {
			return m.cancelledTurn(run, start)
		}
		observability.RecordTurn("error", time.Since(start))
		return err
	}

	observability.RecordTurn("done", time.Since(start))
	logger.Info().Dur("duration", time.Since(start)).Msg("Turn completed")
	return nil
}

// ResumeTurn is the only exit from awaiting_approval. Approved turns
// continue to dispatch and synthesis; rejected turns finalize with an
// explanatory message. Safe to call after a process restart.
func (m *Machine) ResumeTurn(ctx context.Context, sessionID string, approved bool) error {
	ok, err := m.cfg.Store.CompareAndSwapStatus(ctx, sessionID, store.StatusAwaitingApproval, store.StatusTurnActive)
	if err != nil {
		return err
	}
	if !ok {
		sess, err := m.cfg.Store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status == store.StatusTurnActive {
			return ErrTurnAlreadyActive
		}
		return ErrNoPendingTurn
	}

	observability.SetTurnsAwaitingApproval(m.adjustAwaiting(-1))

	pending, err := m.cfg.Store.LoadPendingTurn(ctx, sessionID)
	if err != nil {
		return err
	}
	if pending == nil {
		// Status said awaiting but no snapshot survived; recover to idle.
		_, _ = m.cfg.Store.CompareAndSwapStatus(ctx, sessionID, store.StatusTurnActive, store.StatusIdle)
		return ErrNoPendingTurn
	}

	sess, err := m.cfg.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	logger := m.cfg.Logger.With().
		Str("session_id", sessionID).
		Str("turn_id", pending.TurnID).
		Logger()

	run := &turnRun{
		sess:        sess,
		em:          &emitter{sessionID: sessionID, turnID: pending.TurnID, seq: pending.NextSeq},
		userMessage: pending.UserMessage,
		errorCount:  pending.ErrorCount,
		execs:       pending.Executions,
		logger:      logger,
	}

	messages, err := m.cfg.Store.ListMessages(ctx, sessionID)
	if err != nil {
		return m.failTurn(run, err, failureNotice)
	}
	run.history = toHistoryExcludingTail(messages, pending.UserMessage)

	if !approved {
		logger.Info().Msg("Turn rejected by user")
		observability.RecordTurn("rejected", 0)
		return m.terminate(run, ErrApprovalRejected, rejectionNotice)
	}

	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	observability.SetActiveTurns(m.registerRun(sessionID, cancel))
	defer func() {
		observability.SetActiveTurns(m.unregisterRun(sessionID))
	}()

	logger.Info().Int("planned_tools", len(pending.Plan)).Msg("Turn resumed after approval")

	_, err = m.dispatch(runCtx, run, toModelPlan(pending.Plan))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return m.cancelledTurn(run, start)
		}
		return m.failTurn(run, err, failureNotice)
	}

	// Already approved once; exceeding the budget now fails instead of
	// parking again.
	if run.errorCount > m.cfg.ErrorThreshold {
		observability.RecordTurn("error", time.Since(start))
		return m.failTurn(run, fmt.Errorf("tool error budget exceeded after approval"), failureNotice)
	}

	if err := m.synthesizeAndFinalize(runCtx, run); err != nil {
		if errors.Is(err, context.Canceled) {
			return m.cancelledTurn(run, start)
		}
		observability.RecordTurn("error", time.Since(start))
		return err
	}

	observability.RecordTurn("done", time.Since(start))
	return nil
}

// CancelTurn aborts an in-flight or parked turn. Cancellation of a
// running turn is cooperative: it is observed at the next suspension
// point and in-flight tool calls finish. Cancelling an idle session is
// a no-op; the call is idempotent.
func (m *Machine) CancelTurn(ctx context.Context, sessionID string) error {
	m.runsMu.Lock()
	cancel, running := m.activeRuns[sessionID]
	m.runsMu.Unlock()

	if running && cancel != nil {
		m.cfg.Logger.Info().Str("session_id", sessionID).Msg("Cancelling running turn")
		cancel()
		return nil
	}

	// A parked turn is cancelled by winning the same CAS ResumeTurn
	// uses, which makes the two race-free.
	ok, err := m.cfg.Store.CompareAndSwapStatus(ctx, sessionID, store.StatusAwaitingApproval, store.StatusTurnActive)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	observability.SetTurnsAwaitingApproval(m.adjustAwaiting(-1))

	pending, err := m.cfg.Store.LoadPendingTurn(ctx, sessionID)
	if err != nil {
		return err
	}
	if pending == nil {
		_, _ = m.cfg.Store.CompareAndSwapStatus(ctx, sessionID, store.StatusTurnActive, store.StatusIdle)
		return nil
	}

	run := &turnRun{
		sess:        &store.Session{ID: sessionID},
		em:          &emitter{sessionID: sessionID, turnID: pending.TurnID, seq: pending.NextSeq},
		userMessage: pending.UserMessage,
		execs:       pending.Executions,
		logger:      m.cfg.Logger.With().Str("session_id", sessionID).Str("turn_id", pending.TurnID).Logger(),
	}

	observability.RecordTurn("cancelled", 0)
	return m.terminate(run, ErrTurnCancelled, cancelNotice)
}

func (m *Machine) registerRun(sessionID string, cancel context.CancelFunc) int {
	m.runsMu.Lock()
	defer m.runsMu.Unlock()
	if cancel != nil {
		m.activeRuns[sessionID] = cancel
	}
	return len(m.activeRuns)
}

func (m *Machine) unregisterRun(sessionID string) int {
	m.runsMu.Lock()
	defer m.runsMu.Unlock()
	delete(m.activeRuns, sessionID)
	return len(m.activeRuns)
}

// adjustAwaiting tracks how many sessions this process has parked. The
// gauge restarts at zero with the process; parked sessions themselves
// persist in the store.
func (m *Machine) adjustAwaiting(delta int) int {
	m.runsMu.Lock()
	defer m.runsMu.Unlock()
	m.awaiting += delta
	if m.awaiting < 0 {
		m.awaiting = 0
	}
	return m.awaiting
}

func (m *Machine) classifyWithRetry(ctx context.Context, run *turnRun) (model.Classification, error) {
	var lastErr error

	for attempt := 0; attempt < m.cfg.ClassificationRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.Classification{}, err
		}

		classification, err := m.cfg.Classifier.Classify(ctx, run.userMessage, run.history)
		if err == nil {
			return classification, nil
		}

		lastErr = err
		run.errorCount++
		run.logger.Warn().
			Int("attempt", attempt+1).
			Err(err).
			Msg("Classification attempt failed")

		if attempt == m.cfg.ClassificationRetries-1 {
			break
		}

		// Exponential backoff: base, 2*base, 4*base, ...
		delay := m.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return model.Classification{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	return model.Classification{}, lastErr
}

// dispatch runs planned tool calls strictly in order, emitting the tool
// lifecycle events around each. It returns the plan remainder when the
// error budget trips mid-dispatch.
func (m *Machine) dispatch(ctx context.Context, run *turnRun, plan []model.PlannedCall) ([]store.PlannedCall, error) {
	for i, call := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		runID := uuid.NewString()
		startEv := run.em.next(EventToolStart)
		startEv.Tool = &ToolEventPayload{Name: call.Tool, RunID: runID, Inputs: call.Inputs}
		if err := m.emit(run, startEv); err != nil {
			return nil, err
		}

		started := time.Now()
		output, invokeErr := m.cfg.Tools.Invoke(ctx, call.Tool, call.Inputs, m.cfg.ToolTimeout)
		duration := time.Since(started)

		if invokeErr != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		exec := store.ToolExecution{
			RunID:     runID,
			SessionID: run.sess.ID,
			TurnID:    run.em.turnID,
			ToolName:  call.Tool,
			Inputs:    call.Inputs,
			Duration:  duration,
		}

		if invokeErr != nil {
			run.errorCount++
			exec.Status = store.ExecutionError
			exec.Error = invokeErr.Error()

			ev := run.em.next(EventToolError)
			ev.Tool = &ToolEventPayload{Name: call.Tool, RunID: runID, Error: invokeErr.Error(), DurationMs: duration.Milliseconds()}
			if err := m.emit(run, ev); err != nil {
				return nil, err
			}
		} else {
			exec.Status = store.ExecutionSuccess
			exec.Output = output

			ev := run.em.next(EventToolEnd)
			ev.Tool = &ToolEventPayload{Name: call.Tool, RunID: runID, Output: output, DurationMs: duration.Milliseconds()}
			if err := m.emit(run, ev); err != nil {
				return nil, err
			}

			m.rememberSymbol(ctx, run, call.Inputs)
		}

		run.execs = append(run.execs, exec)

		if run.errorCount > m.cfg.ErrorThreshold {
			return toStorePlan(plan[i+1:]), nil
		}
	}

	return nil, nil
}

// rememberSymbol keeps the last-discussed symbol in the session UI state.
func (m *Machine) rememberSymbol(ctx context.Context, run *turnRun, inputs map[string]interface{}) {
	symbol, ok := inputs["symbol"].(string)
	if !ok || symbol == "" {
		return
	}

	if run.sess.UIState == nil {
		run.sess.UIState = map[string]string{}
	}
	run.sess.UIState["last_symbol"] = strings.ToUpper(symbol)

	if err := m.cfg.Store.UpdateUIState(ctx, run.sess.ID, run.sess.UIState); err != nil {
		run.logger.Warn().Err(err).Msg("Failed to update ui state")
	}
}

func (m *Machine) synthesizeAndFinalize(ctx context.Context, run *turnRun) error {
	results := make([]model.ToolSummary, 0, len(run.execs))
	for _, exec := range run.execs {
		results = append(results, model.ToolSummary{
			Tool:   exec.ToolName,
			Output: exec.Output,
			Error:  exec.Error,
		})
	}

	stream, err := m.cfg.Synthesizer.GenerateStream(ctx, run.userMessage, run.history, results)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return m.failTurn(run, fmt.Errorf("%w: %v", ErrSynthesisFailed, err), synthesisNotice)
	}
	defer stream.Close()

	// Partial content lives only in this builder until the atomic
	// finalize; a mid-stream failure discards it entirely.
	var content strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		token, err := stream.Recv()
		if err != nil {
			if isEOF(err) {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return m.failTurn(run, fmt.Errorf("%w: %v", ErrSynthesisFailed, err), synthesisNotice)
		}

		ev := run.em.next(EventContentChunk)
		ev.Content = token
		if err := m.emit(run, ev); err != nil {
			return m.failTurn(run, err, synthesisNotice)
		}
		content.WriteString(token)
	}

	if content.Len() == 0 {
		return m.failTurn(run, fmt.Errorf("%w: empty response stream", ErrSynthesisFailed), synthesisNotice)
	}

	// First completed turn names the session.
	if run.sess.Title == "" {
		title := m.generateTitle(ctx, run)
		if title != "" {
			if err := m.cfg.Store.SetTitle(ctx, run.sess.ID, title); err != nil {
				run.logger.Warn().Err(err).Msg("Failed to persist title")
			} else {
				ev := run.em.next(EventTitleGenerated)
				ev.Title = title
				if err := m.emit(run, ev); err != nil {
					return m.failTurn(run, err, synthesisNotice)
				}
			}
		}
	}

	final := store.Message{
		SessionID: run.sess.ID,
		Role:      "assistant",
		Source:    "model",
		Content:   content.String(),
	}
	if err := m.cfg.Store.FinalizeTurn(ctx, run.sess.ID, final, run.execs); err != nil {
		return m.failTurn(run, err, failureNotice)
	}

	done := run.em.next(EventTurnDone)
	if err := m.emit(run, done); err != nil {
		run.logger.Warn().Err(err).Msg("Failed to publish turn_done")
	}

	return nil
}

func (m *Machine) generateTitle(ctx context.Context, run *turnRun) string {
	if m.cfg.Titles != nil {
		title, err := m.cfg.Titles.GenerateTitle(ctx, run.userMessage)
		if err == nil && title != "" {
			return title
		}
		if err != nil {
			run.logger.Warn().Err(err).Msg("Title generation failed, falling back")
		}
	}

	title := strings.TrimSpace(run.userMessage)
	if len(title) > 48 {
		title = title[:48]
	}
	return title
}

// park suspends the turn to storage and flips the session to
// awaiting_approval. No further events are emitted; the sequence
// counter is preserved so the resumed turn continues without gaps.
func (m *Machine) park(runCtx context.Context, run *turnRun, confidence float64, remaining []store.PlannedCall) error {
	// A cancel that landed after the gate decision must not leave the
	// session parked; the turn ends cancelled instead.
	if runCtx.Err() != nil {
		observability.RecordTurn("cancelled", 0)
		run.logger.Info().Msg("Turn cancelled before parking")
		if err := m.terminate(run, ErrTurnCancelled, cancelNotice); err != nil {
			run.logger.Error().Err(err).Msg("Failed to terminate cancelled turn cleanly")
		}
		return ErrTurnCancelled
	}

	ctx := context.Background()

	pending := store.PendingTurn{
		SessionID:   run.sess.ID,
		TurnID:      run.em.turnID,
		UserMessage: run.userMessage,
		Confidence:  confidence,
		ErrorCount:  run.errorCount,
		NextSeq:     run.em.seq,
		Plan:        remaining,
		Executions:  run.execs,
	}
	if err := m.cfg.Store.SavePendingTurn(ctx, pending); err != nil {
		return m.failTurn(run, err, failureNotice)
	}

	ok, err := m.cfg.Store.CompareAndSwapStatus(ctx, run.sess.ID, store.StatusTurnActive, store.StatusAwaitingApproval)
	if err != nil {
		return m.failTurn(run, err, failureNotice)
	}
	if !ok {
		return m.failTurn(run, fmt.Errorf("session left turn_active during park"), failureNotice)
	}

	observability.SetTurnsAwaitingApproval(m.adjustAwaiting(1))
	observability.RecordTurn("paused", 0)
	return nil
}

// failTurn ends the turn with exactly one terminal error message and a
// turn_error event, and always returns the session to idle.
func (m *Machine) failTurn(run *turnRun, cause error, notice string) error {
	if err := m.terminate(run, cause, notice); err != nil {
		run.logger.Error().Err(err).Msg("Failed to terminate turn cleanly")
	}
	return cause
}

func (m *Machine) cancelledTurn(run *turnRun, start time.Time) error {
	observability.RecordTurn("cancelled", time.Since(start))
	run.logger.Info().Msg("Turn cancelled")
	if err := m.terminate(run, ErrTurnCancelled, cancelNotice); err != nil {
		run.logger.Error().Err(err).Msg("Failed to terminate cancelled turn cleanly")
	}
	return ErrTurnCancelled
}

// terminate persists the terminal message plus any recorded tool
// executions atomically and emits turn_error. Uses a fresh context so
// cleanup survives the run context being cancelled.
func (m *Machine) terminate(run *turnRun, cause error, notice string) error {
	ctx := context.Background()

	final := store.Message{
		SessionID: run.sess.ID,
		Role:      "assistant",
		Source:    "system",
		Content:   notice,
	}
	if err := m.cfg.Store.FinalizeTurn(ctx, run.sess.ID, final, run.execs); err != nil {
		// Catastrophic path: the session must still return to idle.
		run.logger.Error().Err(err).Msg("Finalize failed during terminate")
		_, _ = m.cfg.Store.CompareAndSwapStatus(ctx, run.sess.ID, store.StatusTurnActive, store.StatusIdle)
		return err
	}

	ev := run.em.next(EventTurnError)
	ev.Error = cause.Error()
	if err := m.emit(run, ev); err != nil {
		run.logger.Warn().Err(err).Msg("Failed to publish turn_error")
	}

	return nil
}

// emit publishes one event. Publish failures abort the turn because a
// hole in the durable log would break resume guarantees.
func (m *Machine) emit(run *turnRun, ev Event) error {
	if err := m.cfg.Publisher.Publish(context.Background(), ev); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Type, err)
	}
	return nil
}

const (
	failureNotice   = "I couldn't complete that request. Please try again."
	synthesisNotice = "I ran into a problem while writing the response, so it was discarded. Please ask again."
	rejectionNotice = "The proposed analysis was not approved, so it was not run."
	cancelNotice    = "This turn was cancelled before it completed."
)

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

func toHistory(messages []store.Message) []model.HistoryMessage {
	history := make([]model.HistoryMessage, 0, len(messages))
	for _, msg := range messages {
		history = append(history, model.HistoryMessage{Role: msg.Role, Content: msg.Content})
	}
	return history
}

// toHistoryExcludingTail drops the trailing user message that opened
// the parked turn, since it is passed to the model separately.
func toHistoryExcludingTail(messages []store.Message, userMessage string) []model.HistoryMessage {
	if n := len(messages); n > 0 && messages[n-1].Role == "user" && messages[n-1].Content == userMessage {
		messages = messages[:n-1]
	}
	return toHistory(messages)
}

func toStorePlan(plan []model.PlannedCall) []store.PlannedCall {
	if len(plan) == 0 {
		return nil
	}
	out := make([]store.PlannedCall, len(plan))
	for i, call := range plan {
		out[i] = store.PlannedCall{Tool: call.Tool, Inputs: call.Inputs}
	}
	return out
}

func toModelPlan(plan []store.PlannedCall) []model.PlannedCall {
	if len(plan) == 0 {
		return nil
	}
	out := make([]model.PlannedCall, len(plan))
	for i, call := range plan {
		out[i] = model.PlannedCall{Tool: call.Tool, Inputs: call.Inputs}
	}
	return out
}
