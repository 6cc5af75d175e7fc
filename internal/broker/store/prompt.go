package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

const promptColumns = `id, target_agent_id, capability, broadcast, prompt_type,
	message, payload, priority, created_at`

// CreateSystemPrompt queues a control message for delivery via wait_for_task.
func (s *Store) CreateSystemPrompt(ctx context.Context, p *v1.SystemPrompt) error {
	payload, err := marshalJSON(p.Payload, "{}")
	if err != nil {
		return err
	}
	query := s.db.Rebind(`INSERT INTO system_prompts (` + promptColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.TargetAgentID, p.Capability, boolToInt(p.Broadcast),
		p.PromptType, p.Message, payload, p.Priority, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create system prompt: %w", err)
	}
	return nil
}

// NextPromptForAgentTx returns the highest-priority undelivered prompt
// addressed to the agent: a direct target match, a capability match, or a
// broadcast not yet delivered to this agent. Returns sql.ErrNoRows when none.
func (s *Store) NextPromptForAgentTx(ctx context.Context, tx *sqlx.Tx, agentID string, capabilities []string) (*v1.SystemPrompt, error) {
	caps, err := marshalJSON(capabilities, "[]")
	if err != nil {
		return nil, err
	}

	// The capability clause matches against the JSON array text. Capability
	// names are plain identifiers, so a quoted substring match is exact.
	query := tx.Rebind(`SELECT ` + promptColumns + ` FROM system_prompts p
		WHERE NOT EXISTS (
			SELECT 1 FROM system_prompt_deliveries d
			WHERE d.prompt_id = p.id AND d.agent_id = ?
		)
		AND (
			p.target_agent_id = ?
			OR (p.capability != '' AND ? LIKE '%"' || p.capability || '"%')
			OR p.broadcast = 1
		)
		ORDER BY p.priority DESC, p.created_at ASC
		LIMIT 1`)
	row := tx.QueryRowContext(ctx, query, agentID, agentID, caps)
	return scanPrompt(row)
}

// MarkPromptDeliveredTx records delivery of a prompt to an agent. Targeted
// prompts are removed outright; broadcasts keep a per-agent delivery row so
// each agent receives them at most once.
func (s *Store) MarkPromptDeliveredTx(ctx context.Context, tx *sqlx.Tx, p *v1.SystemPrompt, agentID string, at time.Time) error {
	if !p.Broadcast {
		_, err := tx.ExecContext(ctx,
			tx.Rebind(`DELETE FROM system_prompts WHERE id = ?`), p.ID)
		if err != nil {
			return fmt.Errorf("failed to consume system prompt: %w", err)
		}
		return nil
	}
	query := tx.Rebind(`INSERT INTO system_prompt_deliveries (prompt_id, agent_id, delivered_at)
		VALUES (?, ?, ?)
		ON CONFLICT(prompt_id, agent_id) DO NOTHING`)
	if _, err := tx.ExecContext(ctx, query, p.ID, agentID, at); err != nil {
		return fmt.Errorf("failed to record prompt delivery: %w", err)
	}
	return nil
}

// ListSystemPrompts returns all queued prompts, for the admin surface.
func (s *Store) ListSystemPrompts(ctx context.Context) ([]*v1.SystemPrompt, error) {
	rows, err := s.ro.QueryContext(ctx,
		`SELECT `+promptColumns+` FROM system_prompts ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list system prompts: %w", err)
	}
	defer rows.Close()

	var prompts []*v1.SystemPrompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// DeleteSystemPrompt removes a queued prompt and its delivery records.
func (s *Store) DeleteSystemPrompt(ctx context.Context, promptID string) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			tx.Rebind(`DELETE FROM system_prompts WHERE id = ?`), promptID)
		if err != nil {
			return fmt.Errorf("failed to delete system prompt: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		_, err = tx.ExecContext(ctx,
			tx.Rebind(`DELETE FROM system_prompt_deliveries WHERE prompt_id = ?`), promptID)
		return err
	})
}

// CreateEvictionTx queues an eviction signal for an agent, replacing any
// existing one.
func (s *Store) CreateEvictionTx(ctx context.Context, tx *sqlx.Tx, e *v1.Eviction) error {
	query := tx.Rebind(`INSERT INTO evictions (agent_id, reason, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			reason = excluded.reason, created_at = excluded.created_at`)
	if _, err := tx.ExecContext(ctx, query, e.AgentID, e.Reason, e.CreatedAt); err != nil {
		return fmt.Errorf("failed to create eviction: %w", err)
	}
	return nil
}

// TakeEvictionTx consumes a queued eviction for the agent, returning
// sql.ErrNoRows when none is queued.
func (s *Store) TakeEvictionTx(ctx context.Context, tx *sqlx.Tx, agentID string) (*v1.Eviction, error) {
	var e v1.Eviction
	query := tx.Rebind(`SELECT agent_id, reason, created_at FROM evictions WHERE agent_id = ?`)
	if err := tx.QueryRowContext(ctx, query, agentID).Scan(&e.AgentID, &e.Reason, &e.CreatedAt); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`DELETE FROM evictions WHERE agent_id = ?`), agentID); err != nil {
		return nil, fmt.Errorf("failed to consume eviction: %w", err)
	}
	return &e, nil
}

func scanPrompt(row rowScanner) (*v1.SystemPrompt, error) {
	var (
		p         v1.SystemPrompt
		broadcast int
		payload   string
	)
	err := row.Scan(&p.ID, &p.TargetAgentID, &p.Capability, &broadcast,
		&p.PromptType, &p.Message, &payload, &p.Priority, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Broadcast = broadcast != 0
	if err := unmarshalJSON(payload, &p.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode prompt payload: %w", err)
	}
	return &p, nil
}
