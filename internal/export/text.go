package export

import (
	"io"
	"strings"

	"relaychat/internal/model"
)

type textExporter struct{}

func (textExporter) Extension() string { return string(FormatText) }
func (textExporter) MimeType() string  { return "text/plain; charset=utf-8" }

func (textExporter) Export(w io.Writer, doc *Document) error {
	parts := make([]string, 0, len(doc.Messages))
	for _, msg := range doc.Messages {
		parts = append(parts, roleLabel(msg.Role)+": "+plainContent(doc, msg))
	}
	_, err := io.WriteString(w, strings.Join(parts, "\n\n"))
	return err
}

type markdownExporter struct{}

func (markdownExporter) Extension() string { return string(FormatMarkdown) }
func (markdownExporter) MimeType() string  { return "text/markdown; charset=utf-8" }

func (markdownExporter) Export(w io.Writer, doc *Document) error {
	var b strings.Builder
	b.WriteString("# " + Title + "\n\n")
	for _, msg := range doc.Messages {
		heading := "**AI Assistant**"
		switch msg.Role {
		case model.RoleUser:
			heading = "**User**"
		case model.RoleSystem:
			heading = "**System**"
		}
		b.WriteString("## " + heading + "\n\n")
		b.WriteString(plainContent(doc, msg))
		b.WriteString("\n\n---\n\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
