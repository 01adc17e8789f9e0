// ABOUTME: Renders transcripts as Markdown and sanitized HTML
// ABOUTME: Uses goldmark for conversion and bluemonday to strip unsafe markup from model output

package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

	policyOnce sync.Once
	policy     *bluemonday.Policy
)

func sanitizer() *bluemonday.Policy {
	policyOnce.Do(func() {
		policy = bluemonday.UGCPolicy()
		// Fenced code blocks keep their language class.
		policy.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code")
	})
	return policy
}

// TranscriptMarkdown formats a transcript as a Markdown document.
func TranscriptMarkdown(t *Transcript) string {
	model := t.Model
	if model == "" {
		model = "unknown"
	}

	request := []byte(t.Request)
	var pretty bytes.Buffer
	if len(request) == 0 || json.Indent(&pretty, request, "", "  ") != nil {
		pretty.Reset()
		pretty.Write(request)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Model: %s\n", model)
	fmt.Fprintf(&b, "- Time: %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- Finish reason: %s\n", t.FinishReason)
	b.WriteString("\n## Prompt\n```json\n")
	b.Write(pretty.Bytes())
	b.WriteString("\n```\n\n## Reply\n")
	b.WriteString(t.Reply)
	b.WriteString("\n")
	return b.String()
}

// RenderTranscript converts a transcript to sanitized HTML.
func RenderTranscript(t *Transcript) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(TranscriptMarkdown(t)), &buf); err != nil {
		return "", fmt.Errorf("rendering transcript %s: %w", t.ID, err)
	}
	return sanitizer().Sanitize(buf.String()), nil
}
