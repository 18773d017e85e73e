// Package store persists finished activation records.
package store

import (
	"context"
	"errors"
	"log/slog"

	"redeemcli/internal/activation"
)

// History lists stored records, newest first. limit <= 0 means all.
type History interface {
	List(ctx context.Context, limit int) ([]activation.ActivationRecord, error)
}

// Store is a Recorder that can also list what it recorded.
type Store interface {
	activation.Recorder
	History
}

// Multi fans each record out to every recorder and lists from the primary.
type Multi struct {
	primary Store
	others  []activation.Recorder
	logger  *slog.Logger
}

// NewMulti creates a fan-out store. Secondary failures are logged and do not
// fail the save.
func NewMulti(primary Store, logger *slog.Logger, others ...activation.Recorder) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{primary: primary, others: others, logger: logger}
}

// Save writes rec to the primary store, then to every secondary.
func (m *Multi) Save(ctx context.Context, rec activation.ActivationRecord) error {
	err := m.primary.Save(ctx, rec)

	var secondary []error
	for _, r := range m.others {
		if serr := r.Save(ctx, rec); serr != nil {
			m.logger.WarnContext(ctx, "secondary_store_failed",
				slog.String("record_id", rec.ID),
				slog.String("error", serr.Error()))
			secondary = append(secondary, serr)
		}
	}
	if err != nil {
		return errors.Join(append([]error{err}, secondary...)...)
	}
	return nil
}

// List reads from the primary store.
func (m *Multi) List(ctx context.Context, limit int) ([]activation.ActivationRecord, error) {
	return m.primary.List(ctx, limit)
}

func newestFirst(recs []activation.ActivationRecord, limit int) []activation.ActivationRecord {
	out := make([]activation.ActivationRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
