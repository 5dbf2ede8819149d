package main

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"
	"github.com/tmc/langchaingo/llms"

	"github.com/MR-GREEN1337/wakil/agent"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	userStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	aiStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
)

func printTitle(w io.Writer, s string) {
	fmt.Fprintln(w, titleStyle.Render(s))
}

func printViolations(w io.Writer, violations []string) {
	fmt.Fprintln(w, errStyle.Render(fmt.Sprintf("graph is invalid (%d problems):", len(violations))))
	for _, v := range violations {
		fmt.Fprintf(w, "  - %s\n", v)
	}
}

func roleLabel(role llms.ChatMessageType) string {
	switch role {
	case llms.ChatMessageTypeHuman:
		return "You"
	case llms.ChatMessageTypeAI:
		return "Agent"
	case llms.ChatMessageTypeTool:
		return "Tool"
	case llms.ChatMessageTypeSystem:
		return "System"
	default:
		return string(role)
	}
}

func roleStyle(role llms.ChatMessageType) lipgloss.Style {
	switch role {
	case llms.ChatMessageTypeHuman:
		return userStyle
	case llms.ChatMessageTypeAI:
		return aiStyle
	default:
		return dimStyle
	}
}

// transcriptMarkdown renders the human and AI turns of a conversation.
// Tool traffic is left out.
func transcriptMarkdown(title string, msgs []llms.MessageContent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	for _, m := range msgs {
		if m.Role != llms.ChatMessageTypeHuman && m.Role != llms.ChatMessageTypeAI {
			continue
		}
		text := agent.MessageText(m)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "**%s:**\n\n%s\n\n", roleLabel(m.Role), text)
	}
	return b.String()
}

// renderTranscript converts the transcript markdown to sanitized HTML.
func renderTranscript(title string, msgs []llms.MessageContent) []byte {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	doc := p.Parse([]byte(transcriptMarkdown(title, msgs)))

	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.CommonFlags | mdhtml.HrefTargetBlank})
	body := bluemonday.UGCPolicy().SanitizeBytes(markdown.Render(doc, renderer))

	var out bytes.Buffer
	fmt.Fprintf(&out, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n", html.EscapeString(title))
	out.Write(body)
	out.WriteString("</body>\n</html>\n")
	return out.Bytes()
}
