package postgres

import "time"

// AuditEventModel maps to the "audit_events" table. It has no UpdatedAt or
// DeletedAt: rows are only ever inserted, and removed by the retention sweep.
// The same model is migrated by the SQLite backend.
type AuditEventModel struct {
	ID         string    `gorm:"primaryKey;size:36"`
	CreatedAt  time.Time `gorm:"not null;index"`
	Kind       string    `gorm:"size:32;not null;index:idx_audit_session_kind,priority:2"`
	SessionID  string    `gorm:"size:36;not null;index:idx_audit_session_kind,priority:1"`
	TurnID     string    `gorm:"size:36"`
	CallID     string    `gorm:"size:128;index"`
	RequestID  string    `gorm:"size:36"`
	Tool       string    `gorm:"size:64"`
	Command    string    `gorm:"type:text"`
	Cwd        string    `gorm:"type:text"`
	Outcome    string    `gorm:"size:32"`
	Rule       string    `gorm:"size:64"`
	Status     string    `gorm:"size:32;not null"`
	ExitCode   int
	DurationMs int64
	ErrorKind  string `gorm:"size:64"`
	Reason     string `gorm:"type:text"`
	Sandbox    string `gorm:"size:32"`
}

func (AuditEventModel) TableName() string { return "audit_events" }
