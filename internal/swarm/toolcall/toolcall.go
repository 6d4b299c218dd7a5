package toolcall

import "strings"

// ToolName identifies one of the recognised tool-call directives.
type ToolName string

const (
	ToolWriteToFile    ToolName = "write_to_file"
	ToolApplyDiff      ToolName = "apply_diff"
	ToolExecuteCommand ToolName = "execute_command"
)

// Call is a parsed tool-call directive with its parameters already
// validated against the shape its ToolName requires.
type Call struct {
	Tool   ToolName
	Params map[string]string
}

// ParseToolCall finds the first <tool_code> wrapper in text and extracts its
// tool name and parameters. It returns false if the wrapper is absent, the
// tool name is unrecognised, or a required parameter is missing.
//
// Parameter extraction always uses first-opening / last-closing tag
// positions, never a greedy or non-greedy regex: a naive regex mis-slices
// any <content> value that itself contains tag-shaped text (source code
// with XML or HTML in it, for instance), truncating at the first close tag
// it sees instead of the one that actually closes the parameter.
func ParseToolCall(text string) (Call, bool) {
	block, ok := extractTagContent(text, "tool_code")
	if !ok {
		return Call{}, false
	}

	name, ok := extractTagContent(block, "tool_name")
	if !ok {
		return Call{}, false
	}
	name = strings.TrimSpace(name)

	paramsBlock, ok := extractTagContent(block, "parameters")
	if !ok {
		return Call{}, false
	}

	switch ToolName(name) {
	case ToolWriteToFile:
		path, ok := extractTagContent(paramsBlock, "path")
		if !ok {
			return Call{}, false
		}
		content, ok := extractTagContent(paramsBlock, "content")
		if !ok {
			return Call{}, false
		}
		return Call{
			Tool: ToolWriteToFile,
			Params: map[string]string{
				"path":    strings.TrimSpace(path),
				"content": stripCDATA(strings.TrimSpace(content)),
			},
		}, true

	case ToolApplyDiff:
		path, ok := extractTagContent(paramsBlock, "path")
		if !ok {
			return Call{}, false
		}
		search, ok := extractTagContent(paramsBlock, "search_block")
		if !ok {
			return Call{}, false
		}
		replace, ok := extractTagContent(paramsBlock, "replace_block")
		if !ok {
			return Call{}, false
		}
		return Call{
			Tool: ToolApplyDiff,
			Params: map[string]string{
				"path":          strings.TrimSpace(path),
				"search_block":  stripCDATA(strings.TrimSpace(search)),
				"replace_block": stripCDATA(strings.TrimSpace(replace)),
			},
		}, true

	case ToolExecuteCommand:
		command, ok := extractTagContent(paramsBlock, "command")
		if !ok {
			return Call{}, false
		}
		return Call{
			Tool:   ToolExecuteCommand,
			Params: map[string]string{"command": strings.TrimSpace(command)},
		}, true

	default:
		return Call{}, false
	}
}

// extractTagContent returns the substring between the first opening
// occurrence of <tag> and the last occurrence of </tag>, exclusive of the
// tags themselves. Using the first open and the last close — rather than a
// matched pair — is deliberate: it keeps any nested or tag-shaped content in
// between intact instead of stopping at the first inner close tag.
func extractTagContent(text, tag string) (string, bool) {
	openTag := "<" + tag + ">"
	closeTag := "</" + tag + ">"

	start := strings.Index(text, openTag)
	if start < 0 {
		return "", false
	}
	contentStart := start + len(openTag)

	end := strings.LastIndex(text, closeTag)
	if end < 0 || end < contentStart {
		return "", false
	}
	return text[contentStart:end], true
}

func stripCDATA(s string) string {
	const open = "<![CDATA["
	const closeTag = "]]>"
	if strings.HasPrefix(s, open) && strings.HasSuffix(s, closeTag) {
		return s[len(open) : len(s)-len(closeTag)]
	}
	return s
}
