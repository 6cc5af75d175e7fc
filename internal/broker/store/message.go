package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

const messageColumns = `id, task_id, timestamp, role, content, is_read,
	message_type, reply_to, metadata, images`

// CreateMessageTx appends a message to a task's thread within a transaction.
func (s *Store) CreateMessageTx(ctx context.Context, tx *sqlx.Tx, m *v1.TaskMessage) error {
	meta, err := marshalJSON(m.Metadata, "{}")
	if err != nil {
		return err
	}
	images, err := marshalJSON(m.Images, "[]")
	if err != nil {
		return err
	}

	query := tx.Rebind(`INSERT INTO task_messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query,
		m.ID, m.TaskID, m.Timestamp, string(m.Role), m.Content,
		boolToInt(m.IsRead), string(m.Type), m.ReplyTo, meta, images,
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// ListMessages returns a task's thread in chronological order.
func (s *Store) ListMessages(ctx context.Context, taskID string) ([]*v1.TaskMessage, error) {
	query := s.ro.Rebind(`SELECT ` + messageColumns + ` FROM task_messages
		WHERE task_id = ? ORDER BY timestamp ASC, id ASC`)
	rows, err := s.ro.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// UnreadUserMessagesTx returns unread user-authored comments on a task, used
// to answer check_messages and to gate sendResponse on pending questions.
func (s *Store) UnreadUserMessagesTx(ctx context.Context, tx *sqlx.Tx, taskID string) ([]*v1.TaskMessage, error) {
	query := tx.Rebind(`SELECT ` + messageColumns + ` FROM task_messages
		WHERE task_id = ? AND is_read = 0 AND role = ?
		ORDER BY timestamp ASC, id ASC`)
	rows, err := tx.QueryContext(ctx, query, taskID, string(v1.RoleUser))
	if err != nil {
		return nil, fmt.Errorf("failed to list unread messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkMessagesReadTx marks the given messages as read.
func (s *Store) MarkMessagesReadTx(ctx context.Context, tx *sqlx.Tx, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE task_messages SET is_read = 1 WHERE id IN (?)`, messageIDs)
	if err != nil {
		return fmt.Errorf("failed to build mark-read query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}
	return nil
}

// CreateReviewCommentTx records a review verdict against a task.
func (s *Store) CreateReviewCommentTx(ctx context.Context, tx *sqlx.Tx, c *v1.ReviewComment) error {
	query := tx.Rebind(`INSERT INTO review_comments (id, task_id, author, verdict, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := tx.ExecContext(ctx, query, c.ID, c.TaskID, c.Author, c.Verdict, c.Feedback, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create review comment: %w", err)
	}
	return nil
}

// ListReviewComments returns a task's review history, oldest first.
func (s *Store) ListReviewComments(ctx context.Context, taskID string) ([]*v1.ReviewComment, error) {
	query := s.ro.Rebind(`SELECT id, task_id, author, verdict, feedback, created_at
		FROM review_comments WHERE task_id = ? ORDER BY created_at ASC`)
	rows, err := s.ro.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list review comments: %w", err)
	}
	defer rows.Close()

	var comments []*v1.ReviewComment
	for rows.Next() {
		var c v1.ReviewComment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Verdict, &c.Feedback, &c.CreatedAt); err != nil {
			return nil, err
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]*v1.TaskMessage, error) {
	var messages []*v1.TaskMessage
	for rows.Next() {
		var (
			m            v1.TaskMessage
			role, mtype  string
			isRead       int
			meta, images string
		)
		err := rows.Scan(&m.ID, &m.TaskID, &m.Timestamp, &role, &m.Content,
			&isRead, &mtype, &m.ReplyTo, &meta, &images)
		if err != nil {
			return nil, err
		}
		m.Role = v1.MessageRole(role)
		m.Type = v1.MessageType(mtype)
		m.IsRead = isRead != 0
		if err := unmarshalJSON(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode message metadata: %w", err)
		}
		if err := unmarshalJSON(images, &m.Images); err != nil {
			return nil, fmt.Errorf("failed to decode message images: %w", err)
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
