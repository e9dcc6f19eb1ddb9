package nodes

import "github.com/vsavkov/maestro/internal/graph"

// RegisterBuiltins installs the built-in node library into reg, plus the
// aliases kept for workflows saved under older type names.
func RegisterBuiltins(reg *graph.Registry) {
	for _, t := range []*graph.NodeType{
		// Model-backed nodes.
		llmCallNode(),
		classifyNode(),
		directAnswerNode(),
		answerNode(),
		reviewNode(),

		// Pure logic nodes.
		conditionalRouterNode(),
		iterationGateNode(),
		checkProgressNode(),
		stateSetterNode(),

		// Todo pipeline.
		createTodosNode(),
		executeTodoNode(),
		finalReviewNode(),
		finalAnswerNode(),

		// Loop guards.
		contextGuardNode(),
		postModelNode(),

		// Memory.
		memoryInjectNode(),
		transcriptRecordNode(),
	} {
		reg.Register(t)
	}

	reg.RegisterAlias("classify_difficulty", "classify")
}
