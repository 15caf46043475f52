package export

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"log/slog"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"relaychat/internal/model"
)

const htmlHead = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>%[1]s</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 800px; margin: 0 auto; padding: 20px; line-height: 1.6; }
        .message { margin-bottom: 20px; padding: 15px; border-radius: 8px; }
        .user { background-color: #e3f2fd; border-left: 4px solid #2196f3; }
        .ai { background-color: #f3e5f5; border-left: 4px solid #9c27b0; }
        .system { background-color: #fffde7; border-left: 4px solid #fbc02d; }
        .timestamp { font-size: 0.8em; color: #666; margin-bottom: 5px; }
        .metadata { margin-top: 10px; padding: 10px; background-color: #f5f5f5; border-radius: 4px; font-size: 0.9em; }
        pre { padding: 10px; border-radius: 4px; overflow-x: auto; }
    </style>
</head>
<body>
    <h1>%[1]s</h1>
    <p>Exported on: %[2]s</p>
`

type htmlExporter struct {
	style     *chroma.Style
	formatter *chromahtml.Formatter
}

func newHTMLExporter() htmlExporter {
	style := styles.Get("github")
	if style == nil {
		style = styles.Fallback
	}
	return htmlExporter{
		style:     style,
		formatter: chromahtml.New(chromahtml.WithClasses(false), chromahtml.TabWidth(4)),
	}
}

func (htmlExporter) Extension() string { return string(FormatHTML) }
func (htmlExporter) MimeType() string  { return "text/html; charset=utf-8" }

func (e htmlExporter) Export(w io.Writer, doc *Document) error {
	var b strings.Builder
	fmt.Fprintf(&b, htmlHead, html.EscapeString(Title), formatTimestamp(doc.ExportDate))

	for _, msg := range doc.Messages {
		roleClass, roleText := "ai", "AI Assistant"
		switch msg.Role {
		case model.RoleUser:
			roleClass, roleText = "user", "User"
		case model.RoleSystem:
			roleClass, roleText = "system", "System"
		}

		fmt.Fprintf(&b, "    <div class=\"message %s\">\n", roleClass)
		if doc.IncludeTimestamps {
			fmt.Fprintf(&b, "        <div class=\"timestamp\">%s</div>\n", formatTimestamp(msg.CreatedAt))
		}
		fmt.Fprintf(&b, "        <strong>%s:</strong>\n", roleText)
		fmt.Fprintf(&b, "        <div>%s</div>\n", multiline(msg.Content))

		for _, a := range msg.Attachments {
			e.writeAttachment(&b, doc, a)
		}
		b.WriteString("    </div>\n")
	}

	b.WriteString("</body>\n</html>\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func (e htmlExporter) writeAttachment(b *strings.Builder, doc *Document, a model.Attachment) {
	switch a.Type {
	case model.AttachmentImage:
		if !doc.IncludeImages || a.ImageURL == "" {
			return
		}
		url := html.EscapeString(a.ImageURL)
		fmt.Fprintf(b, "        <div class=\"metadata\">Image: <a href=\"%s\" target=\"_blank\">%s</a></div>\n", url, url)
	case model.AttachmentCodeExecution:
		if !doc.IncludeCode {
			return
		}
		lang := html.EscapeString(a.Language)
		b.WriteString("        <div class=\"metadata\">")
		if a.Code != "" {
			fmt.Fprintf(b, "Code (%s):%s", lang, e.highlight(a.Language, a.Code))
		}
		if a.Output != "" {
			fmt.Fprintf(b, "Code Output (%s):<pre>%s</pre>", lang, html.EscapeString(a.Output))
		}
		if a.Error != nil && *a.Error != "" {
			fmt.Fprintf(b, "Code Error (%s):<pre>%s</pre>", lang, html.EscapeString(*a.Error))
		}
		b.WriteString("</div>\n")
	}
}

// highlight renders code as an inline-styled <pre> block. Unknown languages
// are detected from the code itself, then rendered as plain text.
func (e htmlExporter) highlight(language, code string) string {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		slog.Debug("Falling back to plain code block", "language", language, "error", err)
		return "<pre>" + html.EscapeString(code) + "</pre>"
	}
	var buf bytes.Buffer
	if err := e.formatter.Format(&buf, e.style, iterator); err != nil {
		slog.Debug("Falling back to plain code block", "language", language, "error", err)
		return "<pre>" + html.EscapeString(code) + "</pre>"
	}
	return buf.String()
}

func multiline(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br>")
}
