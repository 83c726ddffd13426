package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type ollamaClient struct {
	host        string
	model       string
	temperature float32
	client      *http.Client
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []ollamaTool        `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

func NewOllamaClient(opts Options) Client {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}

	return &ollamaClient{
		host:        host,
		model:       opts.Model,
		temperature: opts.Temperature,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (c *ollamaClient) Complete(ctx context.Context, messages []Message, tools []Tool) (Message, error) {
	resp, err := c.post(ctx, messages, tools, false)
	if err != nil {
		return Message{}, err
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Message{}, fmt.Errorf("decode ollama response: %w", err)
	}
	if parsed.Error != "" {
		return Message{}, fmt.Errorf("ollama chat error: %s", parsed.Error)
	}

	out := Message{Role: RoleAssistant, Content: parsed.Message.Content}
	out.ToolCalls = appendOllamaToolCalls(nil, parsed.Message.ToolCalls)
	return out, nil
}

func (c *ollamaClient) Stream(ctx context.Context, messages []Message, tools []Tool, fn func(string) error) (Message, error) {
	resp, err := c.post(ctx, messages, tools, true)
	if err != nil {
		return Message{}, err
	}
	defer resp.Body.Close()

	out := Message{Role: RoleAssistant}
	dec := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChatResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return Message{}, fmt.Errorf("decode ollama stream response: %w", err)
		}

		if chunk.Error != "" {
			return Message{}, fmt.Errorf("ollama chat error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			out.Content += chunk.Message.Content
			if err := fn(chunk.Message.Content); err != nil {
				return Message{}, err
			}
		}
		out.ToolCalls = appendOllamaToolCalls(out.ToolCalls, chunk.Message.ToolCalls)

		if chunk.Done {
			return out, nil
		}
	}
}

func (c *ollamaClient) post(ctx context.Context, messages []Message, tools []Tool, stream bool) (*http.Response, error) {
	payload := ollamaChatRequest{
		Model:    c.model,
		Messages: toOllamaMessages(messages),
		Stream:   stream,
		Options:  map[string]any{"temperature": c.temperature},
	}
	for _, tool := range tools {
		payload.Tools = append(payload.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ollama chat API: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("read ollama chat error body: %w", readErr)
		}
		if len(data) > 0 {
			return nil, fmt.Errorf("ollama chat API error: %s", string(data))
		}
		return nil, fmt.Errorf("ollama chat API returned status %s", resp.Status)
	}
	return resp, nil
}

// Ollama does not assign call ids, so calls are numbered in arrival order.
func appendOllamaToolCalls(dst []ToolCall, calls []ollamaToolCall) []ToolCall {
	for _, call := range calls {
		args := string(call.Function.Arguments)
		if args == "" || args == "null" {
			args = "{}"
		}
		dst = append(dst, ToolCall{
			ID:        fmt.Sprintf("call_%d", len(dst)),
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return dst
}

func toOllamaMessages(messages []Message) []ollamaChatMessage {
	if len(messages) == 0 {
		return nil
	}
	converted := make([]ollamaChatMessage, len(messages))
	for i, msg := range messages {
		m := ollamaChatMessage{Role: msg.Role, Content: msg.Content, ToolName: msg.Name}
		for _, tc := range msg.ToolCalls {
			var call ollamaToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = json.RawMessage(tc.Arguments)
			if len(call.Function.Arguments) == 0 {
				call.Function.Arguments = json.RawMessage("{}")
			}
			m.ToolCalls = append(m.ToolCalls, call)
		}
		converted[i] = m
	}
	return converted
}
