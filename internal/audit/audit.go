// Package audit provides the append-only record of every escrow mutation.
//
// Each mutating engine operation appends exactly one action. Actions are
// never updated or deleted; the log persists independently of contract
// lifecycle and is exposed read-only.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"
)

type contextKey string

const (
	ctxActor     contextKey = "audit_actor"
	ctxRequestID contextKey = "audit_request_id"
)

// WithActor attaches the acting wallet (or "system") to the context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ctxActor, actor)
}

// WithRequestID attaches a request ID for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

// ActorFromContext returns the actor attached to ctx, defaulting to "system".
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxActor).(string); ok && v != "" {
		return v
	}
	return "system"
}

func requestIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		return v
	}
	return ""
}

// Action is a single append-only audit record.
type Action struct {
	ID          int64             `json:"id"`
	EscrowID    string            `json:"escrowId"`
	MilestoneID string            `json:"milestoneId,omitempty"`
	Actor       string            `json:"actor"`
	Action      string            `json:"action"`
	Notes       string            `json:"notes,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RequestID   string            `json:"requestId,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Logger persists audit actions.
type Logger interface {
	Log(ctx context.Context, action *Action) error
	Query(ctx context.Context, escrowID string, from, to time.Time, action string, limit int) ([]*Action, error)
}

// Record fills context-derived fields and appends the action. Failures to
// audit are returned to the caller; the engines treat them as fatal for
// the mutation so no state change goes unrecorded.
func Record(ctx context.Context, l Logger, escrowID, milestoneID, action, notes string, metadata map[string]string) error {
	return l.Log(ctx, &Action{
		EscrowID:    escrowID,
		MilestoneID: milestoneID,
		Actor:       ActorFromContext(ctx),
		Action:      action,
		Notes:       notes,
		Metadata:    metadata,
		RequestID:   requestIDFromCtx(ctx),
		CreatedAt:   time.Now(),
	})
}

// --- PostgresLogger ---

// PostgresLogger writes audit actions to PostgreSQL.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger creates an audit logger backed by PostgreSQL.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

func (l *PostgresLogger) Log(ctx context.Context, a *Action) error {
	metaJSON, _ := json.Marshal(a.Metadata)
	if a.Metadata == nil {
		metaJSON = []byte("{}")
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_actions (escrow_id, milestone_id, actor, action, notes, metadata, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7, NOW())
	`, a.EscrowID, nullString(a.MilestoneID), a.Actor, a.Action, a.Notes, metaJSON, a.RequestID)
	return err
}

func (l *PostgresLogger) Query(ctx context.Context, escrowID string, from, to time.Time, action string, limit int) ([]*Action, error) {
	if limit <= 0 {
		limit = 100
	}
	if from.IsZero() {
		from = time.Unix(0, 0)
	}
	if to.IsZero() {
		to = time.Now().Add(time.Hour)
	}

	var query string
	var args []interface{}

	if action != "" {
		query = `SELECT id, escrow_id, COALESCE(milestone_id, ''), actor, action,
			COALESCE(notes, ''), COALESCE(metadata::TEXT, '{}'), COALESCE(request_id, ''), created_at
			FROM audit_actions WHERE escrow_id = $1 AND created_at >= $2 AND created_at <= $3 AND action = $4
			ORDER BY created_at DESC, id DESC LIMIT $5`
		args = []interface{}{escrowID, from, to, action, limit}
	} else {
		query = `SELECT id, escrow_id, COALESCE(milestone_id, ''), actor, action,
			COALESCE(notes, ''), COALESCE(metadata::TEXT, '{}'), COALESCE(request_id, ''), created_at
			FROM audit_actions WHERE escrow_id = $1 AND created_at >= $2 AND created_at <= $3
			ORDER BY created_at DESC, id DESC LIMIT $4`
		args = []interface{}{escrowID, from, to, limit}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var actions []*Action
	for rows.Next() {
		a := &Action{}
		var metaRaw string
		if err := rows.Scan(&a.ID, &a.EscrowID, &a.MilestoneID, &a.Actor, &a.Action,
			&a.Notes, &metaRaw, &a.RequestID, &a.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metaRaw), &a.Metadata)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// --- MemoryLogger ---

// MemoryLogger stores audit actions in memory for demo/testing.
type MemoryLogger struct {
	actions []*Action
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryLogger creates an in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Log(_ context.Context, a *Action) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *a
	cp.ID = l.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.actions = append(l.actions, &cp)
	return nil
}

func (l *MemoryLogger) Query(_ context.Context, escrowID string, from, to time.Time, action string, limit int) ([]*Action, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Action
	// Iterate in reverse for descending order
	for i := len(l.actions) - 1; i >= 0 && len(result) < limit; i-- {
		a := l.actions[i]
		if a.EscrowID != escrowID {
			continue
		}
		if !from.IsZero() && a.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && a.CreatedAt.After(to) {
			continue
		}
		if action != "" && a.Action != action {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	return result, nil
}

// Actions returns all stored actions (for testing).
func (l *MemoryLogger) Actions() []*Action {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Action, len(l.actions))
	copy(result, l.actions)
	return result
}
