// Package agent runs the assistant's conversation loop: the model may call
// tools for a bounded number of rounds before it answers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fabfab/go-assistant/llm"
	"github.com/fabfab/go-assistant/session"
)

const DefaultMaxSteps = 5

var ErrEmptyInput = errors.New("input cannot be empty")

// Invocation records one tool call made while answering.
type Invocation struct {
	Tool   string `json:"tool"`
	Failed bool   `json:"failed,omitempty"`
}

type Response struct {
	Answer      string
	Invocations []Invocation
}

type Agent struct {
	client   llm.Client
	tools    *Registry
	maxSteps int
	logger   *zap.Logger
	now      func() time.Time
}

func New(client llm.Client, tools *Registry, maxSteps int, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	if tools == nil {
		tools, _ = NewRegistry()
	}
	return &Agent{client: client, tools: tools, maxSteps: maxSteps, logger: logger, now: time.Now}
}

func (a *Agent) systemPrompt() string {
	return "You are a personal assistant named Assistant0. " +
		"Use tools when helpful; prefer get_context_docs for knowledge base queries. " +
		"Render email-like bodies as markdown (no code fences). " +
		"The current date and time is " + a.now().Format(time.RFC1123) + "."
}

// Run answers input in the context of history on behalf of id. Answer text is
// passed to emit as it streams; emit may be nil. The returned history is
// history extended with the new user and assistant turns.
func (a *Agent) Run(
	ctx context.Context,
	id session.Identity,
	history []llm.Message,
	input string,
	emit func(string) error,
) (Response, []llm.Message, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Response{}, nil, ErrEmptyInput
	}
	if a.client == nil {
		return Response{}, nil, errors.New("llm client is not configured")
	}
	if id.Subject != "" {
		ctx = session.WithIdentity(ctx, id)
	}
	if emit == nil {
		emit = func(string) error { return nil }
	}

	userMessage := llm.Message{Role: llm.RoleUser, Content: input}
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: a.systemPrompt()})
	messages = append(messages, conversational(history)...)
	messages = append(messages, userMessage)

	var resp Response
	tools := a.tools.Definitions()
	for step := 0; ; step++ {
		if step == a.maxSteps {
			// Out of tool rounds: ask for an answer without offering tools.
			tools = nil
		}
		msg, err := a.client.Stream(ctx, messages, tools, emit)
		if err != nil {
			return Response{}, nil, fmt.Errorf("llm stream: %w", err)
		}
		if len(msg.ToolCalls) == 0 || tools == nil {
			resp.Answer = strings.TrimSpace(msg.Content)
			break
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			result, failed := a.invoke(ctx, call)
			resp.Invocations = append(resp.Invocations, Invocation{Tool: call.Name, Failed: failed})
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}

	updated := make([]llm.Message, 0, len(history)+2)
	updated = append(updated, history...)
	updated = append(updated, userMessage, llm.Message{Role: llm.RoleAssistant, Content: resp.Answer})
	return resp, updated, nil
}

// invoke runs one tool call. Failures become text for the model instead of
// aborting the turn.
func (a *Agent) invoke(ctx context.Context, call llm.ToolCall) (string, bool) {
	result, err := a.tools.Call(ctx, call.Name, call.Arguments)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		a.logger.Warn("tool call failed", zap.String("tool", call.Name), zap.Error(err))
		return fmt.Sprintf("Error running %s: %v", call.Name, err), true
	}
	a.logger.Debug("tool call", zap.String("tool", call.Name), zap.Int("result_bytes", len(result)))
	return result, false
}

// conversational keeps only the user and assistant text turns of history.
func conversational(history []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if (m.Role == llm.RoleUser || m.Role == llm.RoleAssistant) && strings.TrimSpace(m.Content) != "" {
			out = append(out, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	return out
}
