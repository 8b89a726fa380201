package tools

import "github.com/samsaffron/nohup/internal/llm"

// AskUserSpec ends the turn with a clarifying question. The user's next
// message answers it.
func AskUserSpec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        AskUserToolName,
		Description: "Ask the user a clarifying question when unsure how to proceed or need more information.",
		Schema: objectSchema(map[string]interface{}{
			"question": stringProp("The question to ask the user."),
		}, "question"),
	}
}

// TerminateSpec ends the interaction.
func TerminateSpec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        TerminateToolName,
		Description: "Terminate the current interaction or task, for example, when the goal is achieved or the user asks to stop.",
		Schema: objectSchema(map[string]interface{}{
			"reason": stringProp("(Optional) The reason for termination."),
		}),
	}
}
