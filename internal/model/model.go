// Package model presents an external assistant as a uniform message-in,
// message-out capability. Implementations wrap whatever transport the
// assistant uses (a CLI subprocess, an HTTP API) behind Invoke/Stream.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the conversation threaded through a graph run.
type Message struct {
	Role    Role           `json:"role" msgpack:"role"`
	Content string         `json:"content" msgpack:"content"`
	Meta    map[string]any `json:"meta,omitempty" msgpack:"meta,omitempty"`
}

// Response is the assistant's reply plus opaque execution metadata
// (cost_usd, duration_ms, tool_calls, num_turns; whatever the transport
// reports).
type Response struct {
	Message Message
	Meta    map[string]any
}

// Text returns the reply content.
func (r Response) Text() string { return r.Message.Content }

// Chunk is one piece of a streamed response.
type Chunk struct {
	Content string
	Done    bool
	Err     error
}

// ToolSpec describes a tool made visible to the assistant. The CLI adapter
// folds tool specs into the system prompt; API adapters may pass them on
// the wire.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Model is the capability the orchestrator core programs against.
//
// Implementations must serialize Invoke calls internally: at most one
// invocation in flight per adapter instance.
type Model interface {
	// Name returns the underlying model identifier (used for context-limit
	// lookup and logging).
	Name() string

	// WorkingDir returns the directory the assistant operates in, or "".
	WorkingDir() string

	// Invoke sends the conversation and blocks for the reply.
	Invoke(ctx context.Context, msgs []Message) (Response, error)

	// Stream sends the conversation and yields the reply in chunks. The
	// channel is closed after the final chunk.
	Stream(ctx context.Context, msgs []Message) (<-chan Chunk, error)
}

// BindTools returns a Model that advertises the given tools by folding
// their descriptions into a leading system message. The base model is
// shared, not copied; the wrapper only prepends context.
func BindTools(m Model, tools []ToolSpec) Model {
	if len(tools) == 0 {
		return m
	}
	var b strings.Builder
	b.WriteString("You have access to the following tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "\n### %s\n%s\n", t.Name, t.Description)
		if len(t.Parameters) > 0 {
			b.WriteString("Parameters:\n")
			for name, def := range t.Parameters {
				fmt.Fprintf(&b, "  - %s: %v\n", name, def)
			}
		}
	}
	return &prefixedModel{base: m, prefix: b.String()}
}

// WithStructuredOutput returns a Model whose Invoke instructs the
// assistant to reply with JSON matching schema and parses the reply into
// Response.Meta["parsed"]. Parse failures do not fail the call; the raw
// text is preserved and Meta["parse_error"] is set.
func WithStructuredOutput(m Model, schema map[string]any) Model {
	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		raw = []byte("{}")
	}
	prompt := "Respond with a single JSON object matching this schema:\n```json\n" +
		string(raw) + "\n```\nOnly output the JSON object, no additional text."
	return &structuredModel{prefixedModel{base: m, prefix: prompt}}
}

type prefixedModel struct {
	base   Model
	prefix string
}

func (p *prefixedModel) Name() string       { return p.base.Name() }
func (p *prefixedModel) WorkingDir() string { return p.base.WorkingDir() }

func (p *prefixedModel) Invoke(ctx context.Context, msgs []Message) (Response, error) {
	return p.base.Invoke(ctx, p.withPrefix(msgs))
}

func (p *prefixedModel) Stream(ctx context.Context, msgs []Message) (<-chan Chunk, error) {
	return p.base.Stream(ctx, p.withPrefix(msgs))
}

func (p *prefixedModel) withPrefix(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs)+1)
	out = append(out, Message{Role: RoleSystem, Content: p.prefix})
	return append(out, msgs...)
}

type structuredModel struct {
	prefixedModel
}

func (s *structuredModel) Invoke(ctx context.Context, msgs []Message) (Response, error) {
	resp, err := s.prefixedModel.Invoke(ctx, msgs)
	if err != nil {
		return resp, err
	}
	if resp.Meta == nil {
		resp.Meta = map[string]any{}
	}
	parsed, perr := ParseJSONBlock(resp.Text())
	if perr != nil {
		resp.Meta["parse_error"] = perr.Error()
		return resp, nil
	}
	resp.Meta["parsed"] = parsed
	return resp, nil
}

// ParseJSONBlock extracts a JSON value from assistant output, stripping a
// surrounding markdown code fence when present.
func ParseJSONBlock(text string) (any, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("parse structured output: %w", err)
	}
	return v, nil
}
