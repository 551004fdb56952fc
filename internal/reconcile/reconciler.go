package reconcile

import (
	"context"
	"errors"
	"fmt"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/motemotech/p4ctl/internal/device"
	"github.com/motemotech/p4ctl/internal/rib"
)

// Reconciler translates pending changes into idempotent device writes
// for a single device session.
type Reconciler struct {
	pipeline Pipeline
	session  *device.Session
	resolver Resolver
	log      *zap.SugaredLogger
}

// NewReconciler binds the projection rules to a device session.
func NewReconciler(pipeline Pipeline, session *device.Session, resolver Resolver, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		pipeline: pipeline,
		session:  session,
		resolver: resolver,
		log:      log,
	}
}

// Pipeline returns the id mapping the reconciler writes against.
func (m *Reconciler) Pipeline() Pipeline {
	return m.pipeline
}

// Apply converges the device with a single pending change.
//
// Inserts that collide with an existing row fall back to a modify, which
// also makes re-applying an identical entry a no-op. Deletes of missing
// rows succeed: the device is already in the desired state.
func (m *Reconciler) Apply(ctx context.Context, change rib.Change) error {
	entry := ProjectChange(m.pipeline, change, m.resolver)
	if entry == nil {
		return fmt.Errorf("unsupported change table %s", change.Table)
	}

	if change.Kind == rib.ChangeDelete {
		err := m.write(ctx, p4v1.Update_DELETE, entry)
		if status.Code(err) == codes.NotFound {
			m.log.Debugw("delete of absent entry, already converged",
				zap.String("key", EntryKey(entry)),
			)
			return nil
		}
		return err
	}

	err := m.write(ctx, p4v1.Update_INSERT, entry)
	if status.Code(err) == codes.AlreadyExists {
		// The row exists, possibly with different content. A modify
		// converges both cases.
		return m.write(ctx, p4v1.Update_MODIFY, entry)
	}
	return err
}

func (m *Reconciler) write(ctx context.Context, op p4v1.Update_Type, entry *p4v1.TableEntry) error {
	return m.session.Write(ctx, []*p4v1.Update{{
		Type: op,
		Entity: &p4v1.Entity{
			Entity: &p4v1.Entity_TableEntry{TableEntry: entry},
		},
	}})
}

// Outcome is the per-change result of a batched apply.
type Outcome struct {
	Change rib.Change
	Err    error
}

// BatchResult aggregates per-change outcomes of ApplyBatch.
type BatchResult struct {
	Outcomes []Outcome
}

// Failed returns the outcomes that did not converge.
func (m BatchResult) Failed() []Outcome {
	failed := []Outcome{}
	for _, outcome := range m.Outcomes {
		if outcome.Err != nil {
			failed = append(failed, outcome)
		}
	}
	return failed
}

// Err returns the combined error of all failed outcomes, or nil.
func (m BatchResult) Err() error {
	errs := []error{}
	for _, outcome := range m.Outcomes {
		if outcome.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", outcome.Change, outcome.Err))
		}
	}
	return errors.Join(errs...)
}

// ApplyBatch submits all changes in one protocol-level write. When the
// batch fails the changes are retried one by one, so a single bad entry
// cannot block independent ones.
func (m *Reconciler) ApplyBatch(ctx context.Context, changes []rib.Change) BatchResult {
	result := BatchResult{Outcomes: make([]Outcome, len(changes))}
	for idx, change := range changes {
		result.Outcomes[idx] = Outcome{Change: change}
	}
	if len(changes) == 0 {
		return result
	}

	updates := make([]*p4v1.Update, 0, len(changes))
	for _, change := range changes {
		op := p4v1.Update_INSERT
		if change.Kind == rib.ChangeDelete {
			op = p4v1.Update_DELETE
		}
		updates = append(updates, &p4v1.Update{
			Type: op,
			Entity: &p4v1.Entity{
				Entity: &p4v1.Entity_TableEntry{
					TableEntry: ProjectChange(m.pipeline, change, m.resolver),
				},
			},
		})
	}

	if err := m.session.Write(ctx, updates); err == nil {
		return result
	} else if device.IsTransportError(err) || errors.Is(err, device.ErrNotReady) {
		// Nothing device-specific to isolate, the whole batch failed.
		for idx := range result.Outcomes {
			result.Outcomes[idx].Err = err
		}
		return result
	}

	m.log.Debug("batched write rejected, isolating per-entry failures")
	for idx, change := range changes {
		result.Outcomes[idx].Err = m.Apply(ctx, change)
	}
	return result
}

// ReadAll returns every entry currently installed in the table. Used by
// the driver during resync.
func (m *Reconciler) ReadAll(ctx context.Context, tableID uint32) ([]*p4v1.TableEntry, error) {
	return m.session.ReadTableEntries(ctx, tableID)
}

// TableStats is a per-table counter snapshot.
type TableStats struct {
	Packets uint64
	Bytes   uint64
}

// ReadCounters sums the direct counters of a table.
func (m *Reconciler) ReadCounters(ctx context.Context, tableID uint32) (TableStats, error) {
	counters, err := m.session.ReadDirectCounters(ctx, tableID)
	if err != nil {
		return TableStats{}, err
	}

	stats := TableStats{}
	for _, counter := range counters {
		data := counter.GetData()
		stats.Packets += uint64(data.GetPacketCount())
		stats.Bytes += uint64(data.GetByteCount())
	}
	return stats, nil
}
