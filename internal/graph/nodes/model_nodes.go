package nodes

import (
	"context"
	"strings"

	"github.com/vsavkov/maestro/internal/graph"
	"github.com/vsavkov/maestro/internal/model"
)

// llmCallNode is the generic model call: configurable prompt template,
// conditional prompt switching, multi-field output mapping.
func llmCallNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "llm_call",
		Label:       "LLM Call",
		Description: "Generic model call with a configurable prompt template, optional conditional prompt switching, and multi-field output mapping.",
		Category:    "model",
		Icon:        "sparkles",
		Color:       "#8b5cf6",
		Parameters: []graph.Parameter{
			{Name: "prompt_template", Label: "Prompt", Type: graph.ParamPromptTemplate, Default: "{input}", Required: true, Group: "prompt"},
			{Name: "condition_field", Label: "Condition Field", Type: graph.ParamString, Group: "prompt",
				Description: "State field checked to pick the alternate prompt."},
			{Name: "condition_mode", Label: "Condition Mode", Type: graph.ParamSelect, Default: "truthy", Group: "prompt",
				Options: []graph.Option{{Label: "Truthy", Value: "truthy"}, {Label: "Falsy", Value: "falsy"}, {Label: "Greater Than Zero", Value: "gt_zero"}}},
			{Name: "alt_prompt_template", Label: "Alternate Prompt", Type: graph.ParamPromptTemplate, Group: "prompt"},
			{Name: "output_field", Label: "Output Field", Type: graph.ParamString, Default: "last_output", Group: "state_fields"},
			{Name: "output_mappings", Label: "Output Mappings", Type: graph.ParamJSON, Group: "state_fields",
				Description: "JSON mapping of response-JSON keys to state fields."},
			{Name: "set_complete", Label: "Mark Complete", Type: graph.ParamBoolean, Default: false, Group: "behavior"},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			tmpl := cfg.Str("prompt_template", "{input}")
			if alt := cfg.Str("alt_prompt_template", ""); alt != "" {
				if condMatches(st, cfg.Str("condition_field", ""), cfg.Str("condition_mode", "truthy")) {
					tmpl = alt
				}
			}
			prompt := FormatTemplate(tmpl, st)
			text, added, err := invokeText(ctx, ec, prompt)
			if err != nil {
				return nil, err
			}

			delta := graph.Delta{
				graph.KeyMessages:    added,
				graph.KeyLastOutput:  text,
				graph.KeyCurrentStep: "llm_call",
			}
			if out := cfg.Str("output_field", "last_output"); out != graph.KeyLastOutput {
				delta[out] = text
			}
			if mappings := cfg.StringMap("output_mappings"); len(mappings) > 0 {
				applyOutputMappings(delta, text, mappings)
			}
			if cfg.Bool("set_complete", false) {
				delta[graph.KeyIsComplete] = true
			}
			return delta, nil
		},
	}
}

func condMatches(st graph.State, field, mode string) bool {
	if field == "" {
		return false
	}
	switch mode {
	case "falsy":
		return !st.Bool(field)
	case "gt_zero":
		return st.Int(field) > 0
	default: // truthy
		return st.Bool(field)
	}
}

func applyOutputMappings(delta graph.Delta, text string, mappings map[string]string) {
	parsed, err := model.ParseJSONBlock(text)
	if err != nil {
		return
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return
	}
	for jsonKey, stateField := range mappings {
		if v, ok := obj[jsonKey]; ok {
			delta[stateField] = v
		}
	}
}

// classifyNode routes by matching the model's reply against a configured
// category list. Conditional with dynamic ports: one per category plus
// an implicit "end" taken on upstream errors.
func classifyNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "classify",
		Label:       "Classify",
		Description: "Asks the model to classify the input into one of the configured categories and routes to the matching port. Unmatched replies fall back to the default category.",
		Category:    "model",
		Icon:        "git-branch",
		Color:       "#8b5cf6",
		Parameters: []graph.Parameter{
			{Name: "prompt_template", Label: "Prompt", Type: graph.ParamPromptTemplate, Group: "prompt",
				Default: "Classify the following request into exactly one of these categories: {categories}.\nReply with the category name only.\n\nRequest: {input}"},
			{Name: "categories", Label: "Categories", Type: graph.ParamJSON, Required: true, GeneratesPorts: true,
				Default: []any{"easy", "medium", "hard"}, Group: "routing"},
			{Name: "default_category", Label: "Default Category", Type: graph.ParamString, Default: "medium", Group: "routing"},
			{Name: "output_field", Label: "Output Field", Type: graph.ParamString, Default: "difficulty", Group: "state_fields"},
		},
		Ports: []graph.Port{
			{ID: "easy"}, {ID: "medium"}, {ID: "hard"}, {ID: "end", Label: "End", Description: "Taken on error."},
		},
		DynamicPorts: func(cfg graph.Config) []graph.Port {
			cats := classifyCategories(cfg)
			ports := make([]graph.Port, 0, len(cats)+1)
			for _, c := range cats {
				ports = append(ports, graph.Port{ID: c})
			}
			return append(ports, graph.Port{ID: "end", Label: "End", Description: "Taken on error."})
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			cats := classifyCategories(cfg)
			prompt := FormatTemplateExtra(cfg.Str("prompt_template", "{input}"), st,
				map[string]string{"categories": strings.Join(cats, ", ")})
			text, added, err := invokeText(ctx, ec, prompt)
			if err != nil {
				return nil, err
			}
			matched := matchCategory(text, cats, cfg.Str("default_category", ""))
			return graph.Delta{
				cfg.Str("output_field", "difficulty"): matched,
				graph.KeyMessages:                     added,
				graph.KeyLastOutput:                   text,
				graph.KeyCurrentStep:                  "classified",
			}, nil
		},
		Routing: func(cfg graph.Config) func(graph.State) string {
			cats := classifyCategories(cfg)
			out := cfg.Str("output_field", "difficulty")
			def := defaultCategory(cfg, cats)
			return func(st graph.State) string {
				if st.Str(graph.KeyError) != "" {
					return "end"
				}
				v := strings.ToLower(strings.TrimSpace(st.Str(out)))
				for _, c := range cats {
					if v == strings.ToLower(c) {
						return c
					}
				}
				return def
			}
		},
	}
}

func classifyCategories(cfg graph.Config) []string {
	cats := cfg.StringList("categories")
	if len(cats) == 0 {
		cats = []string{"easy", "medium", "hard"}
	}
	return cats
}

// defaultCategory corrects a misconfigured default that names no known
// category: second entry when available, else first.
func defaultCategory(cfg graph.Config, cats []string) string {
	def := strings.ToLower(strings.TrimSpace(cfg.Str("default_category", "")))
	for _, c := range cats {
		if def == strings.ToLower(c) {
			return c
		}
	}
	if len(cats) > 1 {
		return cats[1]
	}
	return cats[0]
}

// matchCategory finds the first configured category appearing in the
// reply (case-insensitive substring), falling back to the default.
func matchCategory(text string, cats []string, def string) string {
	lower := strings.ToLower(text)
	for _, c := range cats {
		if strings.Contains(lower, strings.ToLower(c)) {
			return c
		}
	}
	cfg := graph.Config{"default_category": def}
	return defaultCategory(cfg, cats)
}

// directAnswerNode answers easy tasks in one shot.
func directAnswerNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "direct_answer",
		Label:       "Direct Answer",
		Description: "Answers the request with a single model call and marks the run complete. For tasks classified easy.",
		Category:    "model",
		Icon:        "zap",
		Color:       "#8b5cf6",
		Parameters: []graph.Parameter{
			{Name: "prompt_template", Label: "Prompt", Type: graph.ParamPromptTemplate, Group: "prompt",
				Default: "Answer the following request directly and concisely.\n\nRequest: {input}"},
			{Name: "output_fields", Label: "Output Fields", Type: graph.ParamJSON,
				Default: []any{"answer", "final_answer"}, Group: "state_fields"},
			{Name: "mark_complete", Label: "Mark Complete", Type: graph.ParamBoolean, Default: true, Group: "behavior"},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			prompt := FormatTemplate(cfg.Str("prompt_template", "{input}"), st)
			text, added, err := invokeText(ctx, ec, prompt)
			if err != nil {
				return nil, err
			}
			delta := graph.Delta{
				graph.KeyMessages:    added,
				graph.KeyLastOutput:  text,
				graph.KeyCurrentStep: "direct_answer",
			}
			fields := cfg.StringList("output_fields")
			if len(fields) == 0 {
				fields = []string{"answer", graph.KeyFinalAnswer}
			}
			for _, f := range fields {
				delta[f] = text
			}
			if cfg.Bool("mark_complete", true) {
				delta[graph.KeyIsComplete] = true
			}
			return delta, nil
		},
	}
}

// answerNode drafts (or re-drafts) an answer; on retry rounds it feeds
// the reviewer's feedback back in, compacted when the budget is tight.
func answerNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "answer",
		Label:       "Answer",
		Description: "Drafts an answer for review. On retries the previous reviewer feedback is folded into the prompt, truncated when the context budget is blocked.",
		Category:    "model",
		Icon:        "pencil",
		Color:       "#8b5cf6",
		Parameters: []graph.Parameter{
			{Name: "prompt_template", Label: "Prompt", Type: graph.ParamPromptTemplate, Group: "prompt",
				Default: "Provide a thorough answer to the following request.\n\nRequest: {input}"},
			{Name: "retry_template", Label: "Retry Prompt", Type: graph.ParamPromptTemplate, Group: "prompt",
				Default: "Your previous answer was rejected by review.\nFeedback: {previous_feedback}\n\nRevise your answer to the request: {input}"},
			{Name: "output_field", Label: "Output Field", Type: graph.ParamString, Default: "answer", Group: "state_fields"},
			{Name: "feedback_field", Label: "Feedback Field", Type: graph.ParamString, Default: "previous_feedback", Group: "state_fields"},
			{Name: "max_feedback_chars", Label: "Max Feedback Chars", Type: graph.ParamNumber, Default: 500, Group: "behavior"},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			tmpl := cfg.Str("prompt_template", "{input}")
			feedbackField := cfg.Str("feedback_field", "previous_feedback")
			feedback := st.Str(feedbackField)
			if st.Int("review_count") > 0 && strings.TrimSpace(feedback) != "" {
				tmpl = cfg.Str("retry_template", tmpl)
				if b, ok := stateBudget(st); ok && b.ShouldBlock() {
					feedback = truncate(feedback, cfg.Int("max_feedback_chars", 500))
				}
			}
			prompt := FormatTemplateExtra(tmpl, st, map[string]string{feedbackField: feedback})
			text, added, err := invokeText(ctx, ec, prompt)
			if err != nil {
				return nil, err
			}
			return graph.Delta{
				cfg.Str("output_field", "answer"): text,
				graph.KeyMessages:                 added,
				graph.KeyLastOutput:               text,
				graph.KeyCurrentStep:              "answer_drafted",
			}, nil
		},
	}
}

// reviewNode judges a drafted answer. Replies are parsed for VERDICT:
// and FEEDBACK: lines; once the retry budget is spent approval is forced
// so review loops always terminate.
func reviewNode() *graph.NodeType {
	return &graph.NodeType{
		Type:        "review",
		Label:       "Review",
		Description: "Reviews the drafted answer and routes approved or retry. Forces approval after max_retries rounds so the loop terminates.",
		Category:    "model",
		Icon:        "check-circle",
		Color:       "#8b5cf6",
		Parameters: []graph.Parameter{
			{Name: "prompt_template", Label: "Prompt", Type: graph.ParamPromptTemplate, Group: "prompt",
				Default: "Review the answer below against the request.\nReply with \"VERDICT: approved\" or \"VERDICT: rejected\", then \"FEEDBACK: <specific issues>\" when rejecting.\n\nRequest: {input}\n\nAnswer: {answer}"},
			{Name: "max_retries", Label: "Max Retries", Type: graph.ParamNumber, Default: 3, Group: "behavior"},
			{Name: "answer_field", Label: "Answer Field", Type: graph.ParamString, Default: "answer", Group: "state_fields"},
			{Name: "result_field", Label: "Result Field", Type: graph.ParamString, Default: "review_result", Group: "state_fields"},
			{Name: "feedback_field", Label: "Feedback Field", Type: graph.ParamString, Default: "previous_feedback", Group: "state_fields"},
			{Name: "count_field", Label: "Count Field", Type: graph.ParamString, Default: "review_count", Group: "state_fields"},
		},
		Ports: []graph.Port{
			{ID: "approved", Label: "Approved"},
			{ID: "retry", Label: "Retry"},
			{ID: "end", Label: "End", Description: "Taken on error."},
		},
		Execute: func(ctx context.Context, st graph.State, ec *graph.ExecContext, cfg graph.Config) (graph.Delta, error) {
			countField := cfg.Str("count_field", "review_count")
			resultField := cfg.Str("result_field", "review_result")
			answer := st.Str(cfg.Str("answer_field", "answer"))
			count := st.Int(countField) + 1
			maxRetries := cfg.Int("max_retries", 3)

			// Retry budget exhausted: approve without another model call.
			if count > maxRetries {
				ec.Logger.Info().Str("session_id", ec.SessionID).Int("review_count", count).
					Msg("review retries exhausted, forcing approval")
				return graph.Delta{
					countField:           count,
					resultField:          "approved",
					graph.KeyFinalAnswer: answer,
					graph.KeyIsComplete:  true,
					graph.KeyCurrentStep: "review_forced_approval",
				}, nil
			}

			prompt := FormatTemplate(cfg.Str("prompt_template", "{answer}"), st)
			text, added, err := invokeText(ctx, ec, prompt)
			if err != nil {
				return nil, err
			}
			verdict, feedback := parseReview(text)
			delta := graph.Delta{
				countField:           count,
				resultField:          verdict,
				graph.KeyMessages:    added,
				graph.KeyLastOutput:  text,
				graph.KeyCurrentStep: "reviewed",
			}
			if verdict == "approved" {
				delta[graph.KeyFinalAnswer] = answer
				delta[graph.KeyIsComplete] = true
			} else {
				delta[cfg.Str("feedback_field", "previous_feedback")] = feedback
			}
			return delta, nil
		},
		Routing: func(cfg graph.Config) func(graph.State) string {
			resultField := cfg.Str("result_field", "review_result")
			return func(st graph.State) string {
				if st.Str(graph.KeyError) != "" {
					return "end"
				}
				switch st.Str(resultField) {
				case "approved":
					return "approved"
				case "rejected":
					return "retry"
				default:
					return "end"
				}
			}
		},
	}
}

var approveWords = []string{"approved", "approve", "accept", "lgtm", "pass"}
var rejectWords = []string{"rejected", "reject", "revise", "fail", "needs work"}

// parseReview extracts the verdict and feedback from a reviewer reply.
// VERDICT:/FEEDBACK: lines take precedence; a bare APPROVED anywhere in
// the reply approves as a fallback.
func parseReview(text string) (verdict, feedback string) {
	verdict = "rejected"
	sawVerdict := false
	var feedbackLines []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "verdict:"):
			sawVerdict = true
			v := strings.ToLower(strings.TrimSpace(trimmed[len("verdict:"):]))
			if containsAny(v, approveWords) {
				verdict = "approved"
			} else if containsAny(v, rejectWords) {
				verdict = "rejected"
			}
		case strings.HasPrefix(lower, "feedback:"):
			feedbackLines = append(feedbackLines, strings.TrimSpace(trimmed[len("feedback:"):]))
		}
	}
	if !sawVerdict && strings.Contains(strings.ToUpper(text), "APPROVED") {
		verdict = "approved"
	}
	feedback = strings.Join(feedbackLines, "\n")
	if verdict == "rejected" && feedback == "" {
		feedback = truncate(strings.TrimSpace(text), 500)
	}
	return verdict, feedback
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
