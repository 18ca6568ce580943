package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/warden/internal/audit"
)

// AuditRepository implements audit.Store on any GORM dialect.
// Rows are append-only; DeleteBefore exists only for retention.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit event.
func (r *AuditRepository) Append(ctx context.Context, e audit.Event) error {
	model := toAuditModel(audit.Normalize(e))
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// List returns audit events newest first. Limit defaults to 100.
func (r *AuditRepository) List(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	tx := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if q.SessionID != "" {
		tx = tx.Where("session_id = ?", q.SessionID)
	}
	if q.Kind != "" {
		tx = tx.Where("kind = ?", string(q.Kind))
	}

	var models []AuditEventModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}

	events := make([]audit.Event, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

// DeleteBefore removes events recorded before cutoff and returns how many
// rows were deleted.
func (r *AuditRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&AuditEventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting audit events before %s: %w", cutoff.Format(time.RFC3339), res.Error)
	}
	return res.RowsAffected, nil
}

func toAuditModel(e audit.Event) AuditEventModel {
	return AuditEventModel{
		ID:         e.ID,
		CreatedAt:  e.Timestamp.UTC(),
		Kind:       string(e.Kind),
		SessionID:  e.SessionID,
		TurnID:     e.TurnID,
		CallID:     e.CallID,
		RequestID:  e.RequestID,
		Tool:       e.Tool,
		Command:    e.Command,
		Cwd:        e.Cwd,
		Outcome:    e.Outcome,
		Rule:       e.Rule,
		Status:     e.Status,
		ExitCode:   e.ExitCode,
		DurationMs: e.DurationMs,
		ErrorKind:  e.ErrorKind,
		Reason:     e.Reason,
		Sandbox:    e.Sandbox,
	}
}

func toAuditDomain(m *AuditEventModel) audit.Event {
	return audit.Event{
		ID:         m.ID,
		Timestamp:  m.CreatedAt.UTC(),
		Kind:       audit.Kind(m.Kind),
		SessionID:  m.SessionID,
		TurnID:     m.TurnID,
		CallID:     m.CallID,
		RequestID:  m.RequestID,
		Tool:       m.Tool,
		Command:    m.Command,
		Cwd:        m.Cwd,
		Outcome:    m.Outcome,
		Rule:       m.Rule,
		Status:     m.Status,
		ExitCode:   m.ExitCode,
		DurationMs: m.DurationMs,
		ErrorKind:  m.ErrorKind,
		Reason:     m.Reason,
		Sandbox:    m.Sandbox,
	}
}
