package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"relaychat/internal/model"
)

type sqliteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) Repository {
	return &sqliteRepository{db: db}
}

func (r *sqliteRepository) CreateConversation(ctx context.Context, c *model.Conversation) error {
	query := "INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)"
	if _, err := r.db.ExecContext(ctx, query, c.ID, c.Title, c.CreatedAt.UTC(), c.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("could not insert conversation: %w", err)
	}
	return nil
}

const conversationColumns = `
	SELECT c.id, c.title, c.created_at, c.updated_at, COUNT(m.id)
	FROM conversations c
	LEFT JOIN messages m ON m.conversation_id = c.id
`

func (r *sqliteRepository) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	row := r.db.QueryRowContext(ctx, conversationColumns+" WHERE c.id = ? GROUP BY c.id", conversationID)
	var c model.Conversation
	if err := row.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("could not get conversation: %w", err)
	}
	return &c, nil
}

func (r *sqliteRepository) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, conversationColumns+" GROUP BY c.id ORDER BY c.updated_at DESC, c.id")
	if err != nil {
		return nil, fmt.Errorf("could not list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	conversations := make([]*model.Conversation, 0)
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("could not scan conversation: %w", err)
		}
		conversations = append(conversations, &c)
	}
	return conversations, rows.Err()
}

func (r *sqliteRepository) UpdateConversationTitle(ctx context.Context, conversationID, newTitle string) error {
	query := "UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?"
	res, err := r.db.ExecContext(ctx, query, newTitle, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("could not update conversation title: %w", err)
	}
	return requireAffected(res)
}

func (r *sqliteRepository) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", at.UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("could not update conversation timestamp: %w", err)
	}
	return requireAffected(res)
}

func (r *sqliteRepository) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("could not delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", conversationID)
	if err != nil {
		return fmt.Errorf("could not delete conversation: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

// AddMessage inserts the message and bumps the conversation's activity time
// in one transaction. Messages are numbered per conversation so reads keep
// insertion order.
func (r *sqliteRepository) AddMessage(ctx context.Context, message *model.Message, conversationID string) error {
	attachments, err := encodeAttachments(message.Attachments)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", activityTime(message.CreatedAt), conversationID)
	if err != nil {
		return fmt.Errorf("could not update conversation timestamp: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}

	insertMsgQuery := `
		INSERT INTO messages (id, conversation_id, seq, role, content, status, attachments, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?), ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, insertMsgQuery,
		message.ID,
		conversationID,
		conversationID,
		message.Role,
		message.Content,
		string(message.Status),
		attachments,
		message.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("could not insert message: %w", err)
	}

	return tx.Commit()
}

func (r *sqliteRepository) UpdateMessage(ctx context.Context, message *model.Message, conversationID string) error {
	attachments, err := encodeAttachments(message.Attachments)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := "UPDATE messages SET content = ?, status = ?, attachments = ? WHERE id = ? AND conversation_id = ?"
	res, err := tx.ExecContext(ctx, query, message.Content, string(message.Status), attachments, message.ID, conversationID)
	if err != nil {
		return fmt.Errorf("could not update message: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", time.Now().UTC(), conversationID); err != nil {
		return fmt.Errorf("could not update conversation timestamp: %w", err)
	}
	return tx.Commit()
}

func (r *sqliteRepository) GetMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	query := `
		SELECT id, role, content, status, attachments, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("could not query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]model.Message, 0)
	for rows.Next() {
		var msg model.Message
		var status string
		var attachments sql.NullString
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &status, &attachments, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("could not scan message: %w", err)
		}
		msg.Status = model.MessageStatus(status)
		if attachments.Valid && attachments.String != "" {
			if err := json.Unmarshal([]byte(attachments.String), &msg.Attachments); err != nil {
				return nil, fmt.Errorf("could not decode attachments of message %s: %w", msg.ID, err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeAttachments(attachments []model.Attachment) (sql.NullString, error) {
	if len(attachments) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("could not encode attachments: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func activityTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
