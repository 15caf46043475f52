// Package export renders message lists as downloadable documents. JSON is
// the lossless form and can be imported again; text, Markdown and HTML are
// renderings for people.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	app_errors "relaychat/internal/errors"
	"relaychat/internal/model"
)

// Title names the document in every format.
const Title = "AI Conversation Export"

type Format string

const (
	FormatJSON     Format = "json"
	FormatText     Format = "txt"
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
)

type Scope string

const (
	ScopeCurrent  Scope = "current"
	ScopeAll      Scope = "all"
	ScopeSelected Scope = "selected"
)

// Options select which optional parts of a message the human formats show.
type Options struct {
	Scope             Scope
	IncludeImages     bool
	IncludeCode       bool
	IncludeTimestamps bool
}

// Document is the complete input of an export. Rendering a Document is
// deterministic; the export date is part of it.
type Document struct {
	ExportDate        time.Time       `json:"exportDate"`
	Format            string          `json:"format"`
	Scope             Scope           `json:"scope"`
	IncludeImages     bool            `json:"includeImages"`
	IncludeCode       bool            `json:"includeCode"`
	IncludeTimestamps bool            `json:"includeTimestamps"`
	Messages          []model.Message `json:"messages"`
}

func NewDocument(messages []model.Message, opts Options, exportDate time.Time) *Document {
	if messages == nil {
		messages = []model.Message{}
	}
	return &Document{
		ExportDate:        exportDate.UTC(),
		Format:            Title,
		Scope:             opts.Scope,
		IncludeImages:     opts.IncludeImages,
		IncludeCode:       opts.IncludeCode,
		IncludeTimestamps: opts.IncludeTimestamps,
		Messages:          messages,
	}
}

// Exporter writes a Document in one format.
type Exporter interface {
	Export(w io.Writer, doc *Document) error
	Extension() string
	MimeType() string
}

// For returns the exporter of a format.
func For(format Format) (Exporter, error) {
	switch format {
	case FormatJSON:
		return jsonExporter{}, nil
	case FormatText:
		return textExporter{}, nil
	case FormatMarkdown:
		return markdownExporter{}, nil
	case FormatHTML:
		return newHTMLExporter(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported export format %q", app_errors.ErrValidation, format)
	}
}

func ValidScope(s Scope) bool {
	switch s {
	case ScopeCurrent, ScopeAll, ScopeSelected:
		return true
	}
	return false
}

// FileName builds the download name, e.g. chat-all-conversations-2025-03-01.md.
func FileName(scope Scope, ext string, date time.Time) string {
	var scopeText string
	switch scope {
	case ScopeAll:
		scopeText = "all-conversations"
	case ScopeSelected:
		scopeText = "selected-conversations"
	default:
		scopeText = "conversation"
	}
	return fmt.Sprintf("chat-%s-%s.%s", scopeText, date.UTC().Format(time.DateOnly), ext)
}

func roleLabel(role string) string {
	switch role {
	case model.RoleUser:
		return "User"
	case model.RoleSystem:
		return "System"
	default:
		return "AI"
	}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

// plainContent renders a message body with the optional parts the document
// asks for appended as bracketed notes.
func plainContent(doc *Document, msg model.Message) string {
	var b strings.Builder
	if doc.IncludeTimestamps {
		fmt.Fprintf(&b, "[%s] ", formatTimestamp(msg.CreatedAt))
	}
	b.WriteString(msg.Content)

	for _, a := range msg.Attachments {
		switch a.Type {
		case model.AttachmentImage:
			if doc.IncludeImages && a.ImageURL != "" {
				fmt.Fprintf(&b, "\n[Image: %s]", a.ImageURL)
			}
		case model.AttachmentCodeExecution:
			if !doc.IncludeCode {
				continue
			}
			if a.Output != "" {
				fmt.Fprintf(&b, "\n[Code Output (%s)]: %s", a.Language, a.Output)
			}
			if a.Error != nil && *a.Error != "" {
				fmt.Fprintf(&b, "\n[Code Error (%s)]: %s", a.Language, *a.Error)
			}
		}
	}
	return b.String()
}
