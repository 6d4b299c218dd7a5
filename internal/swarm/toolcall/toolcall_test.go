package toolcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToolCall_WriteToFile(t *testing.T) {
	text := `
Sure, here's the file:
<tool_code>
  <tool_name>write_to_file</tool_name>
  <parameters>
    <path>src/app.py</path>
    <content>print("hello")</content>
  </parameters>
</tool_code>
`
	call, ok := ParseToolCall(text)
	require.True(t, ok)
	assert.Equal(t, ToolWriteToFile, call.Tool)
	assert.Equal(t, "src/app.py", call.Params["path"])
	assert.Equal(t, `print("hello")`, call.Params["content"])
}

// TestParseToolCall_ContentWithEmbeddedCloseTag is the tool-call-fidelity
// property from the testable-properties list: content containing a
// substring that looks like a closing tag must come through unmodified,
// which only first-open/last-close slicing guarantees.
func TestParseToolCall_ContentWithEmbeddedCloseTag(t *testing.T) {
	text := `<tool_code>
  <tool_name>write_to_file</tool_name>
  <parameters>
    <path>notes.xml</path>
    <content><note>remember this</content> is not the real close</note></content>
  </parameters>
</tool_code>`

	call, ok := ParseToolCall(text)
	require.True(t, ok)
	assert.Equal(t, "<note>remember this</content> is not the real close</note>", call.Params["content"])
}

func TestParseToolCall_ApplyDiff(t *testing.T) {
	text := `<tool_code>
  <tool_name>apply_diff</tool_name>
  <parameters>
    <path>main.go</path>
    <search_block>foo()</search_block>
    <replace_block>bar()</replace_block>
  </parameters>
</tool_code>`
	call, ok := ParseToolCall(text)
	require.True(t, ok)
	assert.Equal(t, ToolApplyDiff, call.Tool)
	assert.Equal(t, "foo()", call.Params["search_block"])
	assert.Equal(t, "bar()", call.Params["replace_block"])
}

func TestParseToolCall_ExecuteCommand(t *testing.T) {
	text := `<tool_code><tool_name>execute_command</tool_name><parameters><command>pip install requests</command></parameters></tool_code>`
	call, ok := ParseToolCall(text)
	require.True(t, ok)
	assert.Equal(t, ToolExecuteCommand, call.Tool)
	assert.Equal(t, "pip install requests", call.Params["command"])
}

func TestParseToolCall_CDATAStripped(t *testing.T) {
	text := `<tool_code>
  <tool_name>write_to_file</tool_name>
  <parameters>
    <path>a.py</path>
    <content><![CDATA[print(1 < 2)]]></content>
  </parameters>
</tool_code>`
	call, ok := ParseToolCall(text)
	require.True(t, ok)
	assert.Equal(t, "print(1 < 2)", call.Params["content"])
}

func TestParseToolCall_Malformed(t *testing.T) {
	cases := []string{
		"no tool call here",
		"<tool_code><tool_name>write_to_file</tool_name></tool_code>",
		"<tool_code><tool_name>unknown_tool</tool_name><parameters></parameters></tool_code>",
		"<tool_code><tool_name>apply_diff</tool_name><parameters><path>x</path></parameters></tool_code>",
	}
	for _, text := range cases {
		_, ok := ParseToolCall(text)
		assert.False(t, ok, "expected no call for %q", text)
	}
}
