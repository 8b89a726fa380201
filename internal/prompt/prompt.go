package prompt

import (
	"fmt"
	"strings"

	"github.com/samsaffron/nohup/internal/llm"
	"github.com/samsaffron/nohup/internal/tools"
)

type toolLine struct {
	name string
	text string
}

type toolGroup struct {
	title string
	lines []toolLine
}

var toolGroups = []toolGroup{
	{
		title: "Memory Tools",
		lines: []toolLine{
			{tools.AddMemoryToolName, "Store atomic facts about the user or context. ALWAYS break complex information into simple facts first, one piece of information per fact. Store 'User prefers dark mode' and 'User uses vim keybindings' rather than one combined sentence. An existing fact with the same wording is replaced."},
			{tools.FetchMemoryToolName, "Query your memory to recall relevant information. Use this before making assumptions about user preferences or context."},
		},
	},
	{
		title: "System Tools",
		lines: []toolLine{
			{tools.RunBashToolName, "Execute a bash command on the user's machine. Use this for file operations, running scripts, etc. You do NOT need to ask for permission first."},
			{tools.ReadFileToolName, "Read the content of any file on the user's machine."},
			{tools.EditFileToolName, "Replace the first occurrence of 'string_to_replace' with 'new_string' in any file on the user's machine. Use with caution."},
			{tools.PasteAtCursorToolName, "Paste the provided text content at the current cursor location in the user's active application."},
		},
	},
	{
		title: "Web Tools",
		lines: []toolLine{
			{tools.WebSearchToolName, "Search the web with a focused query, or fetch the text of a specific URL. Summarize the results before presenting them."},
			{tools.BrowserToolName, "Hand a multi-step browsing task (forms, clicking through pages, comparing sites) to an autonomous browser agent. Prefer perform_web_search for simple lookups."},
		},
	},
	{
		title: "Interaction Tools",
		lines: []toolLine{
			{tools.AskUserToolName, "Ask the user a clarifying question if you are unsure how to proceed or need more information. ONLY use this after checking memory first!"},
			{tools.TerminateToolName, "End the current interaction or task when the goal is achieved, you are stuck, or the user asks to stop."},
		},
	},
}

const memoryGuidelines = `Memory Management Guidelines:
1. ALWAYS check memory BEFORE asking the user for information:
   - Use fetch_from_memory with relevant queries first
   - Try several related queries if needed (e.g. 'user location', 'user city', 'where user lives')
   - Only ask the user if nothing relevant is found
2. ALWAYS break information into atomic facts when using add_to_memory:
   - Good: ['User lives in San Francisco', 'User prefers vegetarian food']
   - Bad: ['User lives in San Francisco and likes vegetarian food']
3. ALWAYS use add_to_memory when you learn something new about the user's location, preferences, projects, technical environment or decisions made.`

const interactionFlow = `Interaction Flow:
1. Understand the request, including any context or screenshot the user attached.
2. Plan the steps needed. This may take several tool calls (run a command, analyze the output, run another).
3. Execute the plan step by step.
4. When the task is complete or you cannot proceed, use terminate, optionally with a reason.
5. Respond concisely. Only provide necessary information or the direct result of commands unless asked for more detail.`

// SystemPrompt returns the agent system prompt describing the tools in reg.
// Tools not in reg are left out; MCP tools are listed by name and
// description under their own heading.
func SystemPrompt(reg *llm.ToolRegistry) string {
	var b strings.Builder
	hasMemory := reg.Has(tools.FetchMemoryToolName)
	if hasMemory {
		b.WriteString("You are a helpful assistant that can interact with the user's local machine and maintain a memory of important information. ")
	} else {
		b.WriteString("You are a helpful assistant that can interact with the user's local machine. ")
	}
	b.WriteString("You have the following tools available:\n")

	known := map[string]bool{}
	for _, g := range toolGroups {
		var lines []string
		for _, l := range g.lines {
			known[l.name] = true
			if reg.Has(l.name) {
				lines = append(lines, fmt.Sprintf("- %s: %s", l.name, l.text))
			}
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n%s\n", g.title, strings.Join(lines, "\n"))
	}

	var extra []string
	for _, spec := range reg.AllSpecs() {
		if known[spec.Name] {
			continue
		}
		extra = append(extra, fmt.Sprintf("- %s: %s", spec.Name, firstLine(spec.Description)))
	}
	if len(extra) > 0 {
		fmt.Fprintf(&b, "\nExternal Tools:\n%s\n", strings.Join(extra, "\n"))
	}

	if hasMemory {
		b.WriteString("\n" + memoryGuidelines + "\n")
	}
	b.WriteString("\n" + interactionFlow)
	return b.String()
}

// UserPrompt prepends optional context the client captured (selected text,
// clipboard) to the user's message.
func UserPrompt(text, contextText string) string {
	if strings.TrimSpace(contextText) == "" {
		return text
	}
	return fmt.Sprintf("Based on this context:\n```\n%s\n```\n\n%s", contextText, text)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
