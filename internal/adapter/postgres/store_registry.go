package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/agentwire/internal/domain/registry"
)

const agentColumns = `agent_id, type, version, tenant, project, capabilities, status, last_heartbeat, lease_until, metadata`

func scanAgent(row scannable) (registry.Agent, error) {
	var a registry.Agent
	var status string
	var lastHeartbeat *time.Time
	var meta []byte
	err := row.Scan(&a.AgentID, &a.Type, &a.Version, &a.Tenant, &a.Project, &a.Capabilities,
		&status, &lastHeartbeat, &a.LeaseUntil, &meta)
	if err != nil {
		return a, err
	}
	a.Status = registry.Status(status)
	if lastHeartbeat != nil {
		a.LastHeartbeat = *lastHeartbeat
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return a, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return a, nil
}

func (s *Store) UpsertAgent(ctx context.Context, a *registry.Agent) error {
	meta := []byte(`{}`)
	if len(a.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(a.Metadata); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (agent_id) DO UPDATE SET
		     type = EXCLUDED.type,
		     version = EXCLUDED.version,
		     tenant = EXCLUDED.tenant,
		     project = EXCLUDED.project,
		     capabilities = EXCLUDED.capabilities,
		     status = EXCLUDED.status,
		     last_heartbeat = EXCLUDED.last_heartbeat,
		     lease_until = EXCLUDED.lease_until,
		     metadata = EXCLUDED.metadata`,
		a.AgentID, a.Type, a.Version, a.Tenant, a.Project, pgTextArray(a.Capabilities),
		string(a.Status), nullTime(a.LastHeartbeat), a.LeaseUntil, meta)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.AgentID, err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*registry.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID))
	if err != nil {
		return nil, notFoundWrap(err, "get agent %s", agentID)
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]registry.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []registry.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetAgentTopics(ctx context.Context, agentID string, topics []registry.AgentTopic) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM agent_topics WHERE agent_id = $1`, agentID); err != nil {
			return fmt.Errorf("clear topics %s: %w", agentID, err)
		}
		for _, t := range topics {
			if _, err := tx.Exec(ctx,
				`INSERT INTO agent_topics (agent_id, topic, role) VALUES ($1, $2, $3)
				 ON CONFLICT (agent_id, topic) DO UPDATE SET role = EXCLUDED.role`,
				agentID, t.Topic, string(t.Role)); err != nil {
				return fmt.Errorf("insert topic %s/%s: %w", agentID, t.Topic, err)
			}
		}
		return nil
	})
}

func (s *Store) ListAgentTopics(ctx context.Context, agentID string) ([]registry.AgentTopic, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, topic, role FROM agent_topics WHERE agent_id = $1 ORDER BY topic`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list topics %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []registry.AgentTopic
	for rows.Next() {
		var t registry.AgentTopic
		var role string
		if err := rows.Scan(&t.AgentID, &t.Topic, &role); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		t.Role = registry.Role(role)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) MarkExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE agents SET status = 'UNAVAILABLE'
		 WHERE lease_until < $1 AND status <> 'UNAVAILABLE'
		 RETURNING agent_id`, now)
	if err != nil {
		return nil, fmt.Errorf("mark expired agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
