package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsavkov/maestro/internal/memory"
	"github.com/vsavkov/maestro/internal/model"
)

func TestNewInitialState(t *testing.T) {
	st := NewInitialState("hello", 25)
	assert.Equal(t, "hello", st.Str(KeyInput))
	assert.Equal(t, 25, st.Int(KeyMaxIterations))
	assert.Equal(t, 0, st.Int(KeyIteration))
	assert.False(t, st.Bool(KeyIsComplete))
	msgs := st.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)

	// Non-positive budget falls back to the default.
	assert.Equal(t, 100, NewInitialState("x", 0).Int(KeyMaxIterations))
}

func TestMergeReplacesScalars(t *testing.T) {
	st := State{KeyIteration: 1, "answer": "old"}
	Merge(st, Delta{KeyIteration: 2, "answer": "new", KeyIsComplete: true})
	assert.Equal(t, 2, st.Int(KeyIteration))
	assert.Equal(t, "new", st.Str("answer"))
	assert.True(t, st.Bool(KeyIsComplete))
}

func TestMergeAppendsMessages(t *testing.T) {
	st := NewInitialState("q", 10)
	Merge(st, Delta{KeyMessages: []model.Message{
		{Role: model.RoleAssistant, Content: "a1"},
	}})
	Merge(st, Delta{KeyMessages: []model.Message{
		{Role: model.RoleUser, Content: "q2"},
		{Role: model.RoleAssistant, Content: "a2"},
	}})
	msgs := st.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "q", msgs[0].Content)
	assert.Equal(t, "a1", msgs[1].Content)
	assert.Equal(t, "a2", msgs[3].Content)
}

func TestMergeAppendsMemoryRefs(t *testing.T) {
	st := State{}
	Merge(st, Delta{KeyMemoryRefs: []memory.Ref{{Filename: "a.md"}}})
	Merge(st, Delta{KeyMemoryRefs: []memory.Ref{{Filename: "b.md"}, {Filename: "c.md"}}})
	refs, ok := st[KeyMemoryRefs].([]memory.Ref)
	require.True(t, ok)
	require.Len(t, refs, 3)
	assert.Equal(t, "b.md", refs[1].Filename)
}

func TestMergeTodosFullListReplaces(t *testing.T) {
	st := State{KeyTodos: []Todo{{ID: 1, Content: "old", Status: TodoPending}}}
	next := []Todo{
		{ID: 1, Content: "first", Status: TodoPending},
		{ID: 2, Content: "second", Status: TodoPending},
	}
	Merge(st, Delta{KeyTodos: next})
	assert.Equal(t, next, st.Todos())
}

func TestMergeTodosSingleElementUpdatesCurrentIndex(t *testing.T) {
	st := State{
		KeyTodos: []Todo{
			{ID: 1, Content: "first", Status: TodoCompleted, Result: "done"},
			{ID: 2, Content: "second", Status: TodoInProgress},
			{ID: 3, Content: "third", Status: TodoPending},
		},
		KeyTodoIndex: 1,
	}
	// The index advance in the same delta must not affect which slot the
	// single-element update lands in: the pre-merge index wins.
	Merge(st, Delta{
		KeyTodos:     []Todo{{ID: 2, Content: "second", Status: TodoCompleted, Result: "ok"}},
		KeyTodoIndex: 2,
	})
	todos := st.Todos()
	require.Len(t, todos, 3)
	assert.Equal(t, TodoCompleted, todos[1].Status)
	assert.Equal(t, "ok", todos[1].Result)
	assert.Equal(t, TodoPending, todos[2].Status)
	assert.Equal(t, 2, st.Int(KeyTodoIndex))
}

func TestMergeTodosSingleElementOutOfRangeReplaces(t *testing.T) {
	// With no existing list, a single-element delta is just the new list.
	st := State{}
	Merge(st, Delta{KeyTodos: []Todo{{ID: 1, Content: "only", Status: TodoPending}}})
	require.Len(t, st.Todos(), 1)
}

func TestCloneSharesNoTopLevelEntries(t *testing.T) {
	st := State{"a": 1, "b": "x"}
	cp := st.Clone()
	cp["a"] = 2
	cp["c"] = true
	assert.Equal(t, 1, st.Int("a"))
	_, exists := st["c"]
	assert.False(t, exists)
}

func TestStateAccessorsTolerateDecodedTypes(t *testing.T) {
	st := State{
		"f":  float64(7), // JSON numbers decode as float64
		"i8": int8(3),
		"u":  uint64(9),
		"s":  42,
	}
	assert.Equal(t, 7, st.Int("f"))
	assert.Equal(t, 3, st.Int("i8"))
	assert.Equal(t, 9, st.Int("u"))
	assert.Equal(t, "42", st.Str("s"))
	assert.Equal(t, 0, st.Int("missing"))
	assert.Equal(t, "", st.Str("missing"))
}

func TestStateBoolTruthiness(t *testing.T) {
	st := State{
		"t":     true,
		"str":   "yes",
		"zero":  0,
		"fstr":  "false",
		"zstr":  "0",
		"empty": "",
		"n":     3,
	}
	assert.True(t, st.Bool("t"))
	assert.True(t, st.Bool("str"))
	assert.True(t, st.Bool("n"))
	assert.False(t, st.Bool("zero"))
	assert.False(t, st.Bool("fstr"))
	assert.False(t, st.Bool("zstr"))
	assert.False(t, st.Bool("empty"))
	assert.False(t, st.Bool("missing"))
}
