package model

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CLIConfig configures a CLIModel.
type CLIConfig struct {
	// Command is the assistant executable (e.g. "claude"). Required.
	Command string
	// Args are passed before the prompt.
	Args []string
	// WorkingDir is the directory the assistant runs in. Required; the
	// assistant persists its own conversation state there.
	WorkingDir string
	// ModelName is forwarded via --model when non-empty and used for
	// context-limit lookup.
	ModelName string
	// SystemPrompt is appended via --append-system-prompt on first call.
	SystemPrompt string
	// Timeout bounds one invocation.
	Timeout time.Duration
	// MaxTurns bounds tool-use turns within one invocation.
	MaxTurns int
	// Env holds extra environment variables (KEY=VALUE).
	Env []string
}

func (c *CLIConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 100
	}
}

// CLIModel drives an external assistant CLI. Each Invoke runs one
// non-interactive execution in the working directory; the CLI keeps
// conversation state there, so after the first call only the newest user
// message is sent.
type CLIModel struct {
	cfg CLIConfig

	mu        sync.Mutex // one invocation in flight at a time
	execCount int
	lastErr   string
}

// NewCLIModel validates cfg and returns the adapter. The working
// directory is created if missing.
func NewCLIModel(cfg CLIConfig) (*CLIModel, error) {
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("cli model: command is required")
	}
	if strings.TrimSpace(cfg.WorkingDir) == "" {
		return nil, fmt.Errorf("cli model: working dir is required")
	}
	if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
		return nil, fmt.Errorf("cli model: create working dir: %w", err)
	}
	return &CLIModel{cfg: cfg}, nil
}

func (m *CLIModel) Name() string       { return m.cfg.ModelName }
func (m *CLIModel) WorkingDir() string { return m.cfg.WorkingDir }

// ExecutionCount reports how many invocations have completed.
func (m *CLIModel) ExecutionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execCount
}

func (m *CLIModel) Invoke(ctx context.Context, msgs []Message) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prompt := m.renderPrompt(msgs)
	if strings.TrimSpace(prompt) == "" {
		return Response{}, NewError(ReasonInvalidInput, "empty prompt", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	args := append([]string{}, m.cfg.Args...)
	if m.cfg.ModelName != "" {
		args = append(args, "--model", m.cfg.ModelName)
	}
	if m.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprint(m.cfg.MaxTurns))
	}
	if m.execCount == 0 && m.cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", m.cfg.SystemPrompt)
	}
	if m.execCount > 0 {
		args = append(args, "--continue")
	}
	args = append(args, "-p", prompt)

	cmd := exec.CommandContext(ctx, m.cfg.Command, args...)
	cmd.Dir = m.cfg.WorkingDir
	cmd.Env = append(os.Environ(), m.cfg.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	duration := time.Since(started)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Response{}, NewError(ReasonTimeout,
				fmt.Sprintf("assistant timed out after %s", m.cfg.Timeout), ctx.Err())
		}
		reason := classifyByMessage(stderr.String(), ReasonInternal)
		m.lastErr = strings.TrimSpace(stderr.String())
		return Response{}, NewError(reason, firstLine(m.lastErr, "assistant execution failed"), err)
	}

	m.execCount++
	return Response{
		Message: Message{Role: RoleAssistant, Content: strings.TrimSpace(stdout.String())},
		Meta: map[string]any{
			"duration_ms":     duration.Milliseconds(),
			"execution_count": m.execCount,
		},
	}, nil
}

// Stream runs the invocation to completion, then yields the reply in
// fixed-size chunks. The CLI transport has no incremental output in
// non-interactive mode.
func (m *CLIModel) Stream(ctx context.Context, msgs []Message) (<-chan Chunk, error) {
	ch := make(chan Chunk, 8)
	go func() {
		defer close(ch)
		resp, err := m.Invoke(ctx, msgs)
		if err != nil {
			ch <- Chunk{Err: err, Done: true}
			return
		}
		const size = 100
		content := resp.Text()
		for i := 0; i < len(content); i += size {
			end := i + size
			if end > len(content) {
				end = len(content)
			}
			select {
			case ch <- Chunk{Content: content[i:end]}:
			case <-ctx.Done():
				return
			}
		}
		ch <- Chunk{Done: true}
	}()
	return ch, nil
}

// renderPrompt converts messages to the on-wire prompt. The first
// execution sends the whole conversation with role tags; afterwards the
// CLI resumes its own context and only the newest user message is sent.
func (m *CLIModel) renderPrompt(msgs []Message) string {
	if len(msgs) == 0 {
		return ""
	}
	if m.execCount == 0 {
		parts := make([]string, 0, len(msgs))
		for _, msg := range msgs {
			switch msg.Role {
			case RoleSystem:
				parts = append(parts, "[System]: "+msg.Content)
			case RoleUser:
				parts = append(parts, "[User]: "+msg.Content)
			case RoleAssistant:
				parts = append(parts, "[Assistant]: "+msg.Content)
			case RoleTool:
				parts = append(parts, "[Tool Result]: "+msg.Content)
			}
		}
		return strings.Join(parts, "\n\n")
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return msgs[len(msgs)-1].Content
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
