// Package anthropic provides a langchaingo llms.Model backed by
// github.com/liushuangls/go-anthropic/v2. System messages become the request
// system prompt, tool calls map to tool_use blocks and tool responses to
// tool_result blocks.
package anthropic
