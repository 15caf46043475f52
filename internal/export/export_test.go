package export_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app_errors "relaychat/internal/errors"
	"relaychat/internal/export"
	"relaychat/internal/model"
)

var exportDate = time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)

func sampleMessages() []model.Message {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	syntaxErr := "SyntaxError: unexpected EOF"
	return []model.Message{
		{ID: "u1", Role: model.RoleUser, Content: "Draw <a cat>\nplease", Status: model.StatusComplete, CreatedAt: base},
		{
			ID: "a1", Role: model.RoleAssistant, Content: "Generated image:", Status: model.StatusComplete, CreatedAt: base.Add(time.Second),
			Attachments: []model.Attachment{{Type: model.AttachmentImage, ImageURL: "/placeholder.svg?height=512&width=512&query=cat", Prompt: "A cat", OriginalPrompt: "cat"}},
		},
		{
			ID: "a2", Role: model.RoleAssistant, Content: "Code executed successfully in python:", Status: model.StatusComplete, CreatedAt: base.Add(2 * time.Second),
			Attachments: []model.Attachment{{
				Type: model.AttachmentCodeExecution, Language: "python", Code: "print('hi')", Output: "hi",
				Error: &syntaxErr, Explanation: "Prints hi", Simulated: true,
			}},
		},
	}
}

func render(t *testing.T, format export.Format, doc *export.Document) string {
	t.Helper()
	exp, err := export.For(format)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, exp.Export(&buf, doc))
	return buf.String()
}

func TestJSON_RoundTripIsByteIdentical(t *testing.T) {
	// ARRANGE
	msgs := sampleMessages()
	doc := export.NewDocument(msgs, export.Options{Scope: export.ScopeCurrent, IncludeImages: true}, exportDate)
	first := render(t, export.FormatJSON, doc)

	// ACT
	imported, err := export.ImportBytes([]byte(first))
	require.NoError(t, err)
	second := render(t, export.FormatJSON, imported)

	// ASSERT
	assert.Equal(t, first, second)
	assert.Equal(t, msgs, imported.Messages)
	assert.Equal(t, export.ScopeCurrent, imported.Scope)
	assert.True(t, imported.IncludeImages)
	assert.False(t, imported.IncludeCode)
}

func TestJSON_EmptyListRoundTrips(t *testing.T) {
	doc := export.NewDocument(nil, export.Options{Scope: export.ScopeAll}, exportDate)
	out := render(t, export.FormatJSON, doc)
	assert.Contains(t, out, `"messages": []`)

	imported, err := export.ImportBytes([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, out, render(t, export.FormatJSON, imported))
}

func TestImport_RejectsInvalidDocuments(t *testing.T) {
	for name, input := range map[string]string{
		"not json":      "hello",
		"unknown field": `{"messages": [], "extra": 1}`,
		"no messages":   `{"format": "x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := export.Import(strings.NewReader(input))
			assert.ErrorIs(t, err, app_errors.ErrValidation)
		})
	}
}

func TestText_HonorsIncludeFlags(t *testing.T) {
	doc := export.NewDocument(sampleMessages(), export.Options{IncludeImages: true, IncludeCode: false}, exportDate)

	out := render(t, export.FormatText, doc)

	assert.True(t, strings.HasPrefix(out, "User: Draw <a cat>\nplease\n\nAI: Generated image:"))
	assert.Contains(t, out, "[Image: /placeholder.svg?height=512&width=512&query=cat]")
	assert.NotContains(t, out, "Code Output")
	assert.NotContains(t, out, "[2025-")
}

func TestText_TimestampsAndCode(t *testing.T) {
	doc := export.NewDocument(sampleMessages(), export.Options{IncludeCode: true, IncludeTimestamps: true}, exportDate)

	out := render(t, export.FormatText, doc)

	assert.Contains(t, out, "User: [2025-03-01 10:00:00 UTC] Draw <a cat>")
	assert.Contains(t, out, "[Code Output (python)]: hi")
	assert.Contains(t, out, "[Code Error (python)]: SyntaxError: unexpected EOF")
	assert.NotContains(t, out, "[Image:")
}

func TestMarkdown_Layout(t *testing.T) {
	doc := export.NewDocument(sampleMessages()[:1], export.Options{}, exportDate)

	out := render(t, export.FormatMarkdown, doc)

	assert.Equal(t, "# AI Conversation Export\n\n## **User**\n\nDraw <a cat>\nplease\n\n---\n\n", out)
}

func TestHTML_EscapesAndHighlights(t *testing.T) {
	doc := export.NewDocument(sampleMessages(), export.Options{IncludeImages: true, IncludeCode: true, IncludeTimestamps: true}, exportDate)

	out := render(t, export.FormatHTML, doc)

	assert.Contains(t, out, "<p>Exported on: 2025-03-01 12:30:00 UTC</p>")
	assert.Contains(t, out, "<div>Draw &lt;a cat&gt;<br>please</div>")
	assert.Contains(t, out, `class="message user"`)
	assert.Contains(t, out, `href="/placeholder.svg?height=512&amp;width=512&amp;query=cat"`)
	assert.Contains(t, out, "Code Output (python):<pre>hi</pre>")
	// chroma emits inline-styled spans for the highlighted source.
	assert.Contains(t, out, "<span style=")
	assert.True(t, strings.HasSuffix(out, "</html>\n"))
}

func TestHTML_IsDeterministic(t *testing.T) {
	doc := export.NewDocument(sampleMessages(), export.Options{IncludeCode: true}, exportDate)
	assert.Equal(t, render(t, export.FormatHTML, doc), render(t, export.FormatHTML, doc))
}

func TestFor_UnknownFormat(t *testing.T) {
	_, err := export.For("pdf")
	assert.ErrorIs(t, err, app_errors.ErrValidation)
}

func TestFileNameAndMimeType(t *testing.T) {
	date := time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "chat-conversation-2025-03-01.json", export.FileName(export.ScopeCurrent, "json", date))
	assert.Equal(t, "chat-all-conversations-2025-03-01.md", export.FileName(export.ScopeAll, "md", date))
	assert.Equal(t, "chat-selected-conversations-2025-03-01.html", export.FileName(export.ScopeSelected, "html", date))

	exp, err := export.For(export.FormatHTML)
	require.NoError(t, err)
	assert.Equal(t, "html", exp.Extension())
	assert.Equal(t, "text/html; charset=utf-8", exp.MimeType())
}
