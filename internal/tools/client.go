package tools

import "github.com/samsaffron/nohup/internal/llm"

// ClientSpecs are the tools the connected peer runs on the user's machine.
// The server only ships the call and waits for a tool_result.
func ClientSpecs() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name:        RunBashToolName,
			Description: "Execute a bash command on the user's machine and return the standard output or standard error. Use this tool when you need to interact with the local file system, run scripts, or get system information.",
			Schema: objectSchema(map[string]interface{}{
				"command": stringProp("The bash command string to execute (e.g., 'ls -la', 'pwd', 'echo hello')."),
			}, "command"),
		},
		{
			Name:        ReadFileToolName,
			Description: "Read the content of a specified file on the user's machine.",
			Schema: objectSchema(map[string]interface{}{
				"file_path": stringProp("The path to the file to read (e.g., 'documents/report.txt', '/Users/name/project/config.yaml')."),
			}, "file_path"),
		},
		{
			Name:        EditFileToolName,
			Description: "Replace the first occurrence of a specific string within a specified file on the user's machine. Use with caution.",
			Schema: objectSchema(map[string]interface{}{
				"file_path":         stringProp("The path to the file to edit (e.g., 'notes.txt', '/path/to/your/file.py')."),
				"string_to_replace": stringProp("The exact string to find within the file."),
				"new_string":        stringProp("The string that will replace the 'string_to_replace'."),
			}, "file_path", "string_to_replace", "new_string"),
		},
		{
			Name:        PasteAtCursorToolName,
			Description: "Pastes the provided text content at the current cursor location in the user's active application.",
			Schema: objectSchema(map[string]interface{}{
				"content_to_paste": stringProp("The text content to be pasted."),
			}, "content_to_paste"),
		},
	}
}
