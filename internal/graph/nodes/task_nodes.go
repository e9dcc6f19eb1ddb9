package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vsavkov/maestro/internal/graph"
)

const maxTodos = 20

// createTodosNode decomposes a hard task into an ordered todo list. A
// reply that fails to parse degrades to a single todo holding the whole
// request, never a run failure.
func createTodosNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "create_todos",
		Label:       "Create Todos",
		Description: "Asks the model to break the request into a JSON array of steps and seeds the todo list. Unparseable replies degrade to a single todo.",
		Category:    "task",
		Icon:        "list-plus",
		Color:       "#10b981",
		Parameters: []graph.Parameter{
			{Name: "prompt_template", Label: "Prompt", Type: graph.ParamPromptTemplate, Group: "prompt",
				Default: "Break the following request into a short ordered list of concrete steps.\nReply with a JSON array of strings only.\n\nRequest: {input}"},
			{Name: "max_todos", Label: "Max Todos", Type: graph.ParamNumber, Default: maxTodos, Group: "behavior"},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			prompt := FormatTemplate(cfg.Str("prompt_template", "{input}"), st)
			text, added, err := invokeText(ctx, ec, prompt)
			if err != nil {
				return nil, err
			}
			items := parseTodoList(text)
			if len(items) == 0 {
				items = []string{st.Str(graph.KeyInput)}
			}
			limit := cfg.Int("max_todos", maxTodos)
			if limit <= 0 || limit > maxTodos {
				limit = maxTodos
			}
			if len(items) > limit {
				items = items[:limit]
			}
			todos := make([]graph.Todo, len(items))
			for i, content := range items {
				todos[i] = graph.Todo{ID: i + 1, Content: content, Status: graph.TodoPending}
			}
			ec.Logger.Info().Str("session_id", ec.SessionID).Int("count", len(todos)).Msg("todos created")
			return graph.Delta{
				graph.KeyTodos:       todos,
				graph.KeyTodoIndex:   0,
				graph.KeyMessages:    added,
				graph.KeyLastOutput:  text,
				graph.KeyCurrentStep: "todos_created",
			}, nil
		},
	}
}

// parseTodoList extracts a string array from a model reply, tolerating
// fenced code blocks around the JSON.
func parseTodoList(text string) []string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	var arr []string
	if err := json.Unmarshal([]byte(s), &arr); err == nil {
		return compactStrings(arr)
	}
	// Some models wrap the array in an object.
	var obj map[string][]string
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		for _, v := range obj {
			if len(v) > 0 {
				return compactStrings(v)
			}
		}
	}
	return nil
}

func compactStrings(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// executeTodoNode works the todo at the current index. Model failures
// mark the item failed and advance; the run itself keeps going.
func executeTodoNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "execute_todo",
		Label:       "Execute Todo",
		Description: "Executes the todo at the current index with the results of prior items as context, then advances the index. A failed model call fails the item, not the run.",
		Category:    "task",
		Icon:        "play",
		Color:       "#10b981",
		Parameters: []graph.Parameter{
			{Name: "prompt_template", Label: "Prompt", Type: graph.ParamPromptTemplate, Group: "prompt",
				Default: "You are working through a task step by step.\n\nOverall request: {input}\n\n{todo_context}Current step: {todo_content}\n\nComplete this step and report the result."},
			{Name: "max_result_chars", Label: "Max Result Chars", Type: graph.ParamNumber, Default: 500, Group: "behavior"},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			todos := st.Todos()
			idx := st.Int(graph.KeyTodoIndex)
			if idx < 0 || idx >= len(todos) {
				return graph.Delta{graph.KeyCurrentStep: "todo_index_exhausted"}, nil
			}
			todo := todos[idx]

			// Prior results, compacted harder when the budget is blocked.
			limit := cfg.Int("max_result_chars", 500)
			if b, ok := stateBudget(st); ok && b.ShouldBlock() {
				limit = 200
			}
			var sb strings.Builder
			for _, t := range todos[:idx] {
				if t.Status == graph.TodoCompleted && t.Result != "" {
					fmt.Fprintf(&sb, "Step %d (%s): %s\n", t.ID, t.Content, truncate(t.Result, limit))
				}
			}
			todoCtx := sb.String()
			if todoCtx != "" {
				todoCtx = "Results so far:\n" + todoCtx + "\n"
			}

			prompt := FormatTemplateExtra(cfg.Str("prompt_template", "{todo_content}"), st, map[string]string{
				"todo_context": todoCtx,
				"todo_content": todo.Content,
			})
			text, added, err := invokeText(ctx, ec, prompt)

			updated := todo
			delta := graph.Delta{
				graph.KeyTodoIndex:   idx + 1,
				graph.KeyCurrentStep: fmt.Sprintf("todo_%d_done", todo.ID),
			}
			if err != nil {
				updated.Status = graph.TodoFailed
				updated.Result = err.Error()
				ec.Logger.Warn().Str("session_id", ec.SessionID).Int("todo_id", todo.ID).Err(err).Msg("todo failed")
			} else {
				updated.Status = graph.TodoCompleted
				updated.Result = text
				delta[graph.KeyMessages] = added
				delta[graph.KeyLastOutput] = text
			}
			delta[graph.KeyTodos] = []graph.Todo{updated}
			return delta, nil
		},
	}
}

// finalReviewNode sanity-checks the assembled todo results before
// synthesis. Advisory only; its notes feed the final answer prompt.
func finalReviewNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "final_review",
		Label:       "Final Review",
		Description: "Reviews the assembled step results for gaps before the final answer is written. Notes are advisory and never fail the run.",
		Category:    "task",
		Icon:        "search-check",
		Color:       "#10b981",
		Parameters: []graph.Parameter{
			{Name: "prompt_template", Label: "Prompt", Type: graph.ParamPromptTemplate, Group: "prompt",
				Default: "Review the step results below against the original request. Note any gaps or inconsistencies the final answer must address.\n\nRequest: {input}\n\n{todo_results}"},
			{Name: "output_field", Label: "Output Field", Type: graph.ParamString, Default: "final_review", Group: "state_fields"},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			prompt := FormatTemplateExtra(cfg.Str("prompt_template", "{todo_results}"), st, map[string]string{
				"todo_results": assembleTodoResults(st.Todos(), 0),
			})
			text, added, err := invokeText(ctx, ec, prompt)
			if err != nil {
				// Advisory step: proceed to synthesis without notes.
				ec.Logger.Warn().Str("session_id", ec.SessionID).Err(err).Msg("final review skipped")
				return graph.Delta{graph.KeyCurrentStep: "final_review_skipped"}, nil
			}
			return graph.Delta{
				cfg.Str("output_field", "final_review"): text,
				graph.KeyMessages:                       added,
				graph.KeyLastOutput:                     text,
				graph.KeyCurrentStep:                    "final_reviewed",
			}, nil
		},
	}
}

// finalAnswerNode synthesizes the final answer from the completed todos
// and marks the run complete. A failed synthesis call falls back to the
// raw assembled results so the caller always gets an answer.
func finalAnswerNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "final_answer",
		Label:       "Final Answer",
		Description: "Synthesizes the final answer from the completed step results and marks the run complete. Falls back to the raw results if the synthesis call fails.",
		Category:    "task",
		Icon:        "flag",
		Color:       "#10b981",
		Parameters: []graph.Parameter{
			{Name: "prompt_template", Label: "Prompt", Type: graph.ParamPromptTemplate, Group: "prompt",
				Default: "Write the final answer to the request below, synthesized from the completed step results.\n\nRequest: {input}\n\n{todo_results}"},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			assembled := assembleTodoResults(st.Todos(), 0)
			prompt := FormatTemplateExtra(cfg.Str("prompt_template", "{todo_results}"), st, map[string]string{
				"todo_results": assembled,
			})
			text, added, err := invokeText(ctx, ec, prompt)
			if err != nil {
				ec.Logger.Warn().Str("session_id", ec.SessionID).Err(err).Msg("final answer synthesis failed, using raw results")
				return graph.Delta{
					graph.KeyFinalAnswer: assembled,
					graph.KeyIsComplete:  true,
					graph.KeyCurrentStep: "final_answer_fallback",
				}, nil
			}
			return graph.Delta{
				graph.KeyFinalAnswer: text,
				graph.KeyIsComplete:  true,
				graph.KeyMessages:    added,
				graph.KeyLastOutput:  text,
				graph.KeyCurrentStep: "final_answer",
			}, nil
		},
	}
}

// assembleTodoResults renders the completed todos as a readable block.
// limit > 0 truncates each result.
func assembleTodoResults(todos []graph.Todo, limit int) string {
	var sb strings.Builder
	sb.WriteString("Step results:\n")
	for _, t := range todos {
		if t.Status != graph.TodoCompleted {
			continue
		}
		r := t.Result
		if limit > 0 {
			r = truncate(r, limit)
		}
		fmt.Fprintf(&sb, "%d. %s\n%s\n\n", t.ID, t.Content, r)
	}
	return sb.String()
}
