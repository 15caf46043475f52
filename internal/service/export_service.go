package service

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	app_errors "relaychat/internal/errors"
	"relaychat/internal/export"
	"relaychat/internal/model"
)

// ConversationSource reads stored conversations for export.
type ConversationSource interface {
	ListConversations(ctx context.Context, query string) ([]*model.Conversation, error)
	ConversationMessages(ctx context.Context, conversationID string) ([]model.Message, error)
}

type ExportRequest struct {
	Format            export.Format `json:"format" validate:"required,oneof=json txt md html"`
	Scope             export.Scope  `json:"scope" validate:"required,oneof=current all selected"`
	ConversationID    string        `json:"conversation_id"`
	ConversationIDs   []string      `json:"conversation_ids"`
	IncludeTimestamps bool          `json:"include_timestamps"`
	IncludeImages     bool          `json:"include_images"`
	IncludeCode       bool          `json:"include_code"`
}

// ExportFile is a rendered export ready for download.
type ExportFile struct {
	Name     string
	MimeType string
	Body     []byte
}

type ExportService struct {
	source ConversationSource
	now    func() time.Time
}

type ExportOption func(*ExportService)

// WithExportClock sets the clock used for the export date.
func WithExportClock(now func() time.Time) ExportOption {
	return func(s *ExportService) { s.now = now }
}

func NewExportService(source ConversationSource, opts ...ExportOption) *ExportService {
	s := &ExportService{source: source, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ExportService) Export(ctx context.Context, req *ExportRequest) (*ExportFile, error) {
	exporter, err := export.For(req.Format)
	if err != nil {
		return nil, err
	}
	if !export.ValidScope(req.Scope) {
		return nil, fmt.Errorf("%w: unsupported export scope %q", app_errors.ErrValidation, req.Scope)
	}

	messages, err := s.collect(ctx, req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	doc := export.NewDocument(messages, export.Options{
		Scope:             req.Scope,
		IncludeImages:     req.IncludeImages,
		IncludeCode:       req.IncludeCode,
		IncludeTimestamps: req.IncludeTimestamps,
	}, now)

	var buf bytes.Buffer
	if err := exporter.Export(&buf, doc); err != nil {
		return nil, fmt.Errorf("could not render export: %w", err)
	}
	return &ExportFile{
		Name:     export.FileName(req.Scope, exporter.Extension(), now),
		MimeType: exporter.MimeType(),
		Body:     buf.Bytes(),
	}, nil
}

// collect gathers the messages of the requested scope. Conversations are
// concatenated oldest first; selected ones keep the order they were given in.
func (s *ExportService) collect(ctx context.Context, req *ExportRequest) ([]model.Message, error) {
	var ids []string
	switch req.Scope {
	case export.ScopeCurrent:
		if req.ConversationID == "" {
			return nil, fmt.Errorf("%w: conversation_id is required for scope current", app_errors.ErrValidation)
		}
		ids = []string{req.ConversationID}
	case export.ScopeSelected:
		if len(req.ConversationIDs) == 0 {
			return nil, fmt.Errorf("%w: conversation_ids is required for scope selected", app_errors.ErrValidation)
		}
		ids = req.ConversationIDs
	case export.ScopeAll:
		conversations, err := s.source.ListConversations(ctx, "")
		if err != nil {
			return nil, err
		}
		sort.SliceStable(conversations, func(i, j int) bool {
			return conversations[i].CreatedAt.Before(conversations[j].CreatedAt)
		})
		for _, c := range conversations {
			ids = append(ids, c.ID)
		}
	}

	messages := make([]model.Message, 0)
	for _, id := range ids {
		msgs, err := s.source.ConversationMessages(ctx, id)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msgs...)
	}
	return messages, nil
}

// Import parses a JSON export.
func (s *ExportService) Import(data []byte) (*export.Document, error) {
	return export.ImportBytes(data)
}
