package audit

import (
	"context"
	"log/slog"
)

// StoreRecorder adapts a Store to the Recorder interface.
type StoreRecorder struct {
	store  Store
	logger *slog.Logger
}

// NewStoreRecorder creates a database-backed recorder.
func NewStoreRecorder(store Store, logger *slog.Logger) *StoreRecorder {
	return &StoreRecorder{store: store, logger: logger}
}

// Record appends e to the store.
func (r *StoreRecorder) Record(ctx context.Context, e Event) error {
	e = Normalize(e)
	if err := r.store.Append(ctx, e); err != nil {
		r.logger.ErrorContext(ctx, "failed to store audit event",
			slog.String("kind", string(e.Kind)),
			slog.String("call_id", e.CallID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Close is a no-op. The database connection is owned by the storage layer.
func (r *StoreRecorder) Close() error { return nil }
