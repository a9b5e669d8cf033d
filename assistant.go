package ensembleql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gridcast/ensembleql/internal/llm"
	"github.com/gridcast/ensembleql/internal/session"
)

// DefaultSessionID is used when a question carries no session.
const DefaultSessionID = "default"

// Generator proposes SQL (or a direct answer) from the conversation so far.
type Generator interface {
	GenerateSQL(ctx context.Context, history []llm.Message) (llm.SQLReply, error)
}

// Synthesizer answers the question from a shaped result.
type Synthesizer interface {
	Synthesize(ctx context.Context, history []llm.Message, resultContext string) (llm.Synthesis, error)
}

// LLM is both halves of the assistant's model. *llm.Client satisfies it.
type LLM interface {
	Generator
	Synthesizer
}

var errRequestCanceled = errors.New("request cancelled by user")

// Assistant answers natural-language questions: it asks the model for SQL,
// runs it through the engine, retries once with the error fed back, and
// asks the model to explain the result.
type Assistant struct {
	engine   *Engine
	model    LLM
	sessions *session.Store
	logger   zerolog.Logger
}

func newAssistant(engine *Engine, model LLM, sessions *session.Store, logger zerolog.Logger) *Assistant {
	return &Assistant{engine: engine, model: model, sessions: sessions, logger: logger}
}

// Ask answers one question. The reply always carries an Answer suitable for
// the user, even on failure. The request can be stopped with
// Engine.Cancel(output.RequestID).
func (a *Assistant) Ask(ctx context.Context, input AskInput) *AskOutput {
	startTime := time.Now()
	requestID := input.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	sessionID := sessionOrDefault(input.SessionID)
	out := &AskOutput{RequestID: requestID}

	if strings.TrimSpace(input.Question) == "" {
		out.Answer = "Please ask a question about the forecast data."
		out.Error = "question is required"
		return out
	}

	ctx, done, err := a.engine.track(ctx, requestID)
	if err != nil {
		out.Answer = "This request is already being processed."
		out.Error = err.Error()
		return out
	}
	defer done()

	a.sessions.Append(sessionID, llm.Message{Role: llm.RoleUser, Content: input.Question})

	err = a.answer(ctx, requestID, sessionID, input.Question, out)
	switch {
	case errors.Is(err, errRequestCanceled):
		out = &AskOutput{RequestID: requestID, Answer: "Request was cancelled."}
	case err != nil:
		msg := a.engine.redactor.String(err.Error())
		a.logger.Error().Err(err).Str("request_id", requestID).Msg("assistant pipeline error")
		out.Answer = "An error occurred processing your question: " + msg
		out.Error = msg
	}
	a.sessions.Append(sessionID, llm.Message{Role: llm.RoleAssistant, Content: out.Answer})

	logEvent := a.logger.Info().
		Str("request_id", requestID).
		Str("session_id", sessionID).
		Dur("duration", time.Since(startTime)).
		Bool("with_data", out.Data != nil)
	if out.Error != "" {
		logEvent = logEvent.Bool("failed", true)
	}
	logEvent.Msg("question answered")
	return out
}

// answer fills out. Conversational outcomes (no data needed, no SQL, both
// attempts failed) are answers, not errors.
func (a *Assistant) answer(ctx context.Context, requestID, sessionID, question string, out *AskOutput) error {
	if err := a.checkCanceled(ctx, requestID); err != nil {
		return err
	}

	// Step 1: interpret the question and generate SQL
	reply, err := a.model.GenerateSQL(ctx, a.sessions.History(sessionID))
	if cerr := a.checkCanceled(ctx, requestID); cerr != nil {
		return cerr
	}
	if err != nil {
		return fmt.Errorf("generate SQL: %w", err)
	}

	if !reply.WantsData() {
		out.Answer = reply.Answer
		if out.Answer == "" {
			out.Answer = "I'm not sure how to answer that."
		}
		return nil
	}
	if strings.TrimSpace(reply.SQL) == "" {
		out.Answer = "I couldn't generate a query for that question. Could you rephrase?"
		return nil
	}
	out.SQL = reply.SQL
	out.SQLExplanation = reply.Explanation

	// Step 2: execute, with one regeneration on failure
	res := a.engine.run(ctx, requestID, reply.SQL, sessionID)
	if res.Error != "" {
		if err := a.checkCanceled(ctx, requestID); err != nil {
			return err
		}
		firstErr := res.Error
		a.logger.Warn().Str("request_id", requestID).Str("error", firstErr).Msg("generated SQL failed, regenerating")

		failed, err := json.Marshal(map[string]string{"sql": reply.SQL, "error": firstErr})
		if err != nil {
			return err
		}
		a.sessions.Append(sessionID,
			llm.Message{Role: llm.RoleAssistant, Content: string(failed)},
			llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
				"The SQL query failed with error: %s\nPlease fix the query and try again. Respond with the same JSON format.", firstErr)},
		)

		retry, err := a.model.GenerateSQL(ctx, a.sessions.History(sessionID))
		if cerr := a.checkCanceled(ctx, requestID); cerr != nil {
			return cerr
		}
		if err != nil {
			return fmt.Errorf("regenerate SQL: %w", err)
		}
		if strings.TrimSpace(retry.SQL) == "" {
			out.Answer = "I tried to query the database but encountered an error: " + firstErr
			out.Error = firstErr
			return nil
		}
		out.SQL = retry.SQL
		if retry.Explanation != "" {
			out.SQLExplanation = retry.Explanation
		}

		res = a.engine.run(ctx, requestID, retry.SQL, sessionID)
		if res.Error != "" {
			if err := a.checkCanceled(ctx, requestID); err != nil {
				return err
			}
			out.Answer = "I tried two queries but both failed. Last error: " + res.Error
			out.Error = res.Error
			return nil
		}
	}
	out.SQL = res.SQL
	out.Data = res.Result

	// Step 3: synthesize the answer and chart
	if err := a.checkCanceled(ctx, requestID); err != nil {
		return err
	}
	syn, err := a.model.Synthesize(ctx, a.sessions.History(sessionID), res.Result.PromptContext(question, res.SQL))
	if cerr := a.checkCanceled(ctx, requestID); cerr != nil {
		return cerr
	}
	if err != nil {
		return fmt.Errorf("synthesize answer: %w", err)
	}
	out.Answer = syn.Answer
	if out.Answer == "" {
		out.Answer = "Query executed successfully."
	}
	out.Explanation = syn.Explanation
	out.Chart = syn.Chart
	return nil
}

func (a *Assistant) checkCanceled(ctx context.Context, requestID string) error {
	if a.sessions.Canceled(requestID) || ctx.Err() != nil {
		return errRequestCanceled
	}
	return nil
}

// Clear forgets a session's conversation history.
func (a *Assistant) Clear(sessionID string) {
	a.sessions.Clear(sessionOrDefault(sessionID))
}

// History returns a copy of a session's conversation.
func (a *Assistant) History(sessionID string) []llm.Message {
	return a.sessions.History(sessionOrDefault(sessionID))
}

func sessionOrDefault(id string) string {
	if id == "" {
		return DefaultSessionID
	}
	return id
}
