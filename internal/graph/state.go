// Package graph compiles workflow definitions into executable state
// machines and drives them to termination under shared state.
package graph

import (
	"fmt"
	"strings"

	"github.com/vsavkov/maestro/internal/memory"
	"github.com/vsavkov/maestro/internal/model"
)

// Well-known state fields. Nodes may read and write arbitrary additional
// fields named by their configs.
const (
	KeyInput          = "input"
	KeyMessages       = "messages"
	KeyLastOutput     = "last_output"
	KeyIteration      = "iteration"
	KeyMaxIterations  = "max_iterations"
	KeyIsComplete     = "is_complete"
	KeyError          = "error"
	KeyCurrentStep    = "current_step"
	KeySignal         = "completion_signal"
	KeySignalDetail   = "completion_detail"
	KeyBudget         = "context_budget"
	KeyMemoryRefs     = "memory_refs"
	KeyTodos          = "todos"
	KeyTodoIndex      = "current_todo_index"
	KeyFinalAnswer    = "final_answer"
	KeyGateStopReason = "gate_stop_reason"
)

// Todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
	TodoFailed     = "failed"
)

// Todo is one item of the hard-task decomposition pipeline.
type Todo struct {
	ID      int    `json:"id" msgpack:"id"`
	Content string `json:"content" msgpack:"content"`
	Status  string `json:"status" msgpack:"status"`
	Result  string `json:"result,omitempty" msgpack:"result,omitempty"`
}

// State is the record threaded through every node invocation of one run.
// Nodes never mutate it directly; they return a Delta the runtime merges.
type State map[string]any

// Delta is a partial state update returned by a node.
type Delta map[string]any

// NewInitialState builds the state for a fresh run.
func NewInitialState(input string, maxIterations int) State {
	if maxIterations <= 0 {
		maxIterations = 100
	}
	return State{
		KeyInput: input,
		KeyMessages: []model.Message{
			{Role: model.RoleUser, Content: input},
		},
		KeyIteration:     0,
		KeyMaxIterations: maxIterations,
		KeyIsComplete:    false,
		KeyCurrentStep:   "start",
	}
}

// Str returns the field as a string ("" when absent or non-string-like).
func (s State) Str(key string) string {
	switch v := s[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the field as an int, tolerating the numeric types that
// arrive from JSON and msgpack decoding.
func (s State) Int(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	default:
		return 0
	}
}

// Bool returns the field as a bool. Non-bool values follow truthiness:
// non-empty strings (except "false"/"0"), non-zero numbers.
func (s State) Bool(key string) bool {
	return truthy(s[key])
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s != "" && s != "false" && s != "0"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// Messages returns the accumulated conversation.
func (s State) Messages() []model.Message {
	msgs, _ := s[KeyMessages].([]model.Message)
	return msgs
}

// Todos returns the todo list, or nil.
func (s State) Todos() []Todo {
	todos, _ := s[KeyTodos].([]Todo)
	return todos
}

// Clone shallow-copies the state map (slice fields are re-sliced, their
// elements shared; merge semantics never mutate elements in place).
func (s State) Clone() State {
	cp := make(State, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// Merge folds a node's delta into the state. Per-field shallow
// replacement, except:
//   - messages: append
//   - memory_refs: append
//   - todos: a single-element delta replaces the element at the
//     pre-merge current_todo_index; a full list replaces wholesale
func Merge(s State, d Delta) {
	if len(d) == 0 {
		return
	}
	for k, v := range d {
		switch k {
		case KeyMessages:
			if add, ok := v.([]model.Message); ok {
				s[KeyMessages] = append(s.Messages(), add...)
				continue
			}
			s[k] = v
		case KeyMemoryRefs:
			s[KeyMemoryRefs] = appendAnySlice(s[KeyMemoryRefs], v)
		case KeyTodos:
			s[KeyTodos] = mergeTodos(s, v)
		default:
			s[k] = v
		}
	}
}

func appendAnySlice(existing, v any) any {
	if add, ok := v.([]memory.Ref); ok {
		cur, _ := existing.([]memory.Ref)
		return append(cur, add...)
	}
	if add, ok := v.([]any); ok {
		cur, _ := existing.([]any)
		return append(cur, add...)
	}
	return v
}

func mergeTodos(s State, v any) any {
	add, ok := v.([]Todo)
	if !ok {
		return v
	}
	cur := s.Todos()
	idx := s.Int(KeyTodoIndex)
	if len(add) == 1 && len(cur) > 0 && idx >= 0 && idx < len(cur) {
		out := append([]Todo(nil), cur...)
		out[idx] = add[0]
		return out
	}
	return add
}
