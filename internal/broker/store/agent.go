package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/taskhive/taskhive/pkg/api/v1"
)

const agentColumns = `id, display_name, role, capabilities, workspace_context, last_seen, source`

// UpsertAgent registers an agent or refreshes its profile on reconnect.
func (s *Store) UpsertAgent(ctx context.Context, a *v1.Agent) error {
	caps, err := marshalJSON(a.Capabilities, "[]")
	if err != nil {
		return err
	}
	ws, err := marshalWorkspace(a.WorkspaceContext)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`INSERT INTO agents (` + agentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			capabilities = excluded.capabilities,
			workspace_context = excluded.workspace_context,
			last_seen = excluded.last_seen,
			source = excluded.source`)
	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.DisplayName, a.Role, caps, ws, a.LastSeen, a.Source)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

// TouchAgent updates an agent's last_seen timestamp.
func (s *Store) TouchAgent(ctx context.Context, agentID string, at time.Time) error {
	query := s.db.Rebind(`UPDATE agents SET last_seen = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, at, agentID)
	if err != nil {
		return fmt.Errorf("failed to touch agent: %w", err)
	}
	return nil
}

// GetAgent loads an agent by ID. Returns sql.ErrNoRows when unknown.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*v1.Agent, error) {
	query := s.ro.Rebind(`SELECT ` + agentColumns + ` FROM agents WHERE id = ?`)
	return scanAgent(s.ro.QueryRowContext(ctx, query, agentID))
}

// ListAgents returns all registered agents ordered by ID.
func (s *Store) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	rows, err := s.ro.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*v1.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent registration.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM agents WHERE id = ?`), agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// EnterWaitingTx adds or refreshes the agent's row in the waiting set.
func (s *Store) EnterWaitingTx(ctx context.Context, tx *sqlx.Tx, w *v1.WaitingAgent) error {
	caps, err := marshalJSON(w.Capabilities, "[]")
	if err != nil {
		return err
	}
	ws, err := marshalWorkspace(w.WorkspaceContext)
	if err != nil {
		return err
	}

	query := tx.Rebind(`INSERT INTO waiting_agents (agent_id, capabilities, workspace_context, entered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			capabilities = excluded.capabilities,
			workspace_context = excluded.workspace_context,
			entered_at = excluded.entered_at`)
	if _, err := tx.ExecContext(ctx, query, w.AgentID, caps, ws, w.EnteredAt); err != nil {
		return fmt.Errorf("failed to enter waiting set: %w", err)
	}
	return nil
}

// LeaveWaitingTx removes the agent from the waiting set. Removing an absent
// agent is not an error: the scheduler may already have consumed the row.
func (s *Store) LeaveWaitingTx(ctx context.Context, tx *sqlx.Tx, agentID string) error {
	_, err := tx.ExecContext(ctx,
		tx.Rebind(`DELETE FROM waiting_agents WHERE agent_id = ?`), agentID)
	if err != nil {
		return fmt.Errorf("failed to leave waiting set: %w", err)
	}
	return nil
}

// ListWaitingTx returns the waiting set in FIFO order (longest-waiting first).
func (s *Store) ListWaitingTx(ctx context.Context, tx *sqlx.Tx) ([]*v1.WaitingAgent, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT agent_id, capabilities, workspace_context, entered_at
		 FROM waiting_agents ORDER BY entered_at ASC, agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting agents: %w", err)
	}
	defer rows.Close()

	var waiting []*v1.WaitingAgent
	for rows.Next() {
		var (
			w        v1.WaitingAgent
			caps, ws string
		)
		if err := rows.Scan(&w.AgentID, &caps, &ws, &w.EnteredAt); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(caps, &w.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to decode waiting capabilities: %w", err)
		}
		if w.WorkspaceContext, err = unmarshalWorkspace(ws); err != nil {
			return nil, err
		}
		waiting = append(waiting, &w)
	}
	return waiting, rows.Err()
}

// ListWaiting returns the waiting set outside a transaction, for status
// derivation and the admin surface.
func (s *Store) ListWaiting(ctx context.Context) ([]*v1.WaitingAgent, error) {
	rows, err := s.ro.QueryContext(ctx,
		`SELECT agent_id, capabilities, workspace_context, entered_at
		 FROM waiting_agents ORDER BY entered_at ASC, agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list waiting agents: %w", err)
	}
	defer rows.Close()

	var waiting []*v1.WaitingAgent
	for rows.Next() {
		var (
			w        v1.WaitingAgent
			caps, ws string
		)
		if err := rows.Scan(&w.AgentID, &caps, &ws, &w.EnteredAt); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(caps, &w.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to decode waiting capabilities: %w", err)
		}
		if w.WorkspaceContext, err = unmarshalWorkspace(ws); err != nil {
			return nil, err
		}
		waiting = append(waiting, &w)
	}
	return waiting, rows.Err()
}

// CountWaiting returns the size of the waiting set.
func (s *Store) CountWaiting(ctx context.Context) (int, error) {
	var n int
	err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM waiting_agents`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count waiting agents: %w", err)
	}
	return n, nil
}

// ClearWaiting empties the waiting set. Called once on startup: a restart
// severs all long-poll connections, so no durable waiting row can be live.
func (s *Store) ClearWaiting(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM waiting_agents`); err != nil {
		return fmt.Errorf("failed to clear waiting set: %w", err)
	}
	return nil
}

// IsWaitingTx reports whether the agent currently has a waiting row.
func (s *Store) IsWaitingTx(ctx context.Context, tx *sqlx.Tx, agentID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		tx.Rebind(`SELECT COUNT(*) FROM waiting_agents WHERE agent_id = ?`), agentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check waiting set: %w", err)
	}
	return n > 0, nil
}

func scanAgent(row rowScanner) (*v1.Agent, error) {
	var (
		a        v1.Agent
		caps, ws string
	)
	err := row.Scan(&a.ID, &a.DisplayName, &a.Role, &caps, &ws, &a.LastSeen, &a.Source)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(caps, &a.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode agent capabilities: %w", err)
	}
	if a.WorkspaceContext, err = unmarshalWorkspace(ws); err != nil {
		return nil, err
	}
	return &a, nil
}

func marshalWorkspace(ws *v1.WorkspaceContext) (string, error) {
	if ws == nil {
		return "", nil
	}
	b, err := json.Marshal(ws)
	if err != nil {
		return "", fmt.Errorf("failed to encode workspace context: %w", err)
	}
	return string(b), nil
}

func unmarshalWorkspace(s string) (*v1.WorkspaceContext, error) {
	if s == "" {
		return nil, nil
	}
	var ws v1.WorkspaceContext
	if err := json.Unmarshal([]byte(s), &ws); err != nil {
		return nil, fmt.Errorf("failed to decode workspace context: %w", err)
	}
	return &ws, nil
}
