package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/motemotech/p4ctl/internal/device"
	"github.com/motemotech/p4ctl/internal/rib"
)

// Driver converges one device with the desired state held in the RIB.
//
// It consumes the pending-change feed for incremental updates and the
// session readiness channel for resyncs. Each device gets its own
// driver goroutine, so a slow or unreachable device never delays
// another.
type Driver struct {
	store      *rib.RIB
	session    *device.Session
	reconciler *Reconciler
	log        *zap.SugaredLogger

	mu         sync.Mutex
	pending    []rib.Change
	degraded   bool
	lastResync time.Time
}

// NewDriver wires a driver for the device behind session.
func NewDriver(store *rib.RIB, session *device.Session, reconciler *Reconciler, log *zap.SugaredLogger) *Driver {
	return &Driver{
		store:      store,
		session:    session,
		reconciler: reconciler,
		log:        log,
	}
}

// Status is the convergence report for one device.
type Status struct {
	Device         device.Info
	State          device.State
	Role           device.Role
	PendingChanges int
	// Degraded is set when desired entries remain unapplied after the
	// most recent convergence attempt.
	Degraded   bool
	LastResync time.Time
}

// Status reports the current convergence state of the device.
func (m *Driver) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		Device:         m.session.Info(),
		State:          m.session.State(),
		Role:           m.session.Role(),
		PendingChanges: len(m.pending),
		Degraded:       m.degraded,
		LastResync:     m.lastResync,
	}
}

// Run processes changes and resyncs until ctx is canceled.
func (m *Driver) Run(ctx context.Context) error {
	sub := m.store.Feed().Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.session.Ready():
			// Mutations issued while disconnected are part of the
			// desired snapshot the resync reads, so one code path
			// covers initial sync, reconnects and queued replays.
			m.resync(ctx)
		case event, ok := <-sub.C():
			if !ok {
				return nil
			}
			change, isChange := event.(rib.Change)
			if !isChange {
				continue
			}
			m.handleChange(ctx, change)
		}
	}
}

func (m *Driver) handleChange(ctx context.Context, change rib.Change) {
	changes := []rib.Change{change}

	// A neighbour update silently changes the projection of every route
	// resolved through it; those rows must be rewritten too.
	if change.Table == rib.TableArp && change.Kind == rib.ChangeUpsert {
		for _, route := range m.store.RoutesVia(change.Arp.IP) {
			changes = append(changes, rib.RouteUpsert(route))
		}
	}

	for _, c := range changes {
		m.apply(ctx, c)
	}
}

func (m *Driver) apply(ctx context.Context, change rib.Change) {
	err := m.reconciler.Apply(ctx, change)
	switch {
	case err == nil:
	case errors.Is(err, device.ErrNotReady) || device.IsTransportError(err):
		// Recoverable: the reconnect-then-resync path picks it up.
		m.enqueue(change)
	default:
		m.log.Errorw("device rejected change",
			zap.Stringer("change", change),
			zap.Error(err),
		)
		m.setDegraded(true)
	}
}

func (m *Driver) enqueue(change rib.Change) {
	m.mu.Lock()
	m.pending = append(m.pending, change)
	m.degraded = true
	m.mu.Unlock()

	m.log.Debugw("change deferred until device is ready", zap.Stringer("change", change))
}

func (m *Driver) setDegraded(degraded bool) {
	m.mu.Lock()
	m.degraded = degraded
	m.mu.Unlock()
}

// resync makes device table contents equal the projection of current
// desired state: inserts what is missing, rewrites what differs and
// deletes what should not exist. Identical rows are left untouched.
func (m *Driver) resync(ctx context.Context) {
	m.log.Info("starting full resync")

	desired := m.desired()

	actual := map[string]*p4v1.TableEntry{}
	for name, tableID := range m.reconciler.Pipeline().Tables() {
		entries, err := m.reconciler.ReadAll(ctx, tableID)
		if err != nil {
			m.log.Warnw("resync aborted, failed to read device table",
				zap.String("table", name),
				zap.Error(err),
			)
			m.setDegraded(true)
			return
		}
		for _, entry := range entries {
			actual[EntryKey(entry)] = entry
		}
	}

	// Upserts go first so a route is never without a matching entry
	// while its replacement lands; stale rows are deleted last.
	upserts := []rib.Change{}
	for key, want := range desired {
		have, ok := actual[key]
		if ok && proto.Equal(want.entry, have) {
			continue
		}
		upserts = append(upserts, want.change)
	}
	result := m.reconciler.ApplyBatch(ctx, upserts)

	deleted := 0
	var deleteErr error
	for key, have := range actual {
		if _, ok := desired[key]; ok {
			continue
		}
		if err := m.deleteEntry(ctx, have); err != nil {
			deleteErr = err
			m.log.Warnw("failed to delete stale entry",
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		deleted++
	}

	if err := result.Err(); err != nil || deleteErr != nil {
		m.log.Warnw("resync finished with unapplied entries", zap.Error(errors.Join(result.Err(), deleteErr)))
		m.setDegraded(true)
		return
	}

	m.mu.Lock()
	// Queued changes are covered by the snapshot just applied.
	m.pending = nil
	m.degraded = false
	m.lastResync = time.Now()
	m.mu.Unlock()

	m.log.Infow("resync complete",
		zap.Int("desired", len(desired)),
		zap.Int("written", len(upserts)),
		zap.Int("deleted", deleted),
	)
}

func (m *Driver) deleteEntry(ctx context.Context, entry *p4v1.TableEntry) error {
	err := m.reconciler.write(ctx, p4v1.Update_DELETE, entry)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

type desiredEntry struct {
	change rib.Change
	entry  *p4v1.TableEntry
}

// desired projects the full RIB through the reconciliation rules,
// keyed by device table row identity.
func (m *Driver) desired() map[string]desiredEntry {
	pipeline := m.reconciler.Pipeline()
	out := map[string]desiredEntry{}

	for route := range m.store.Routes() {
		entry := ProjectRoute(pipeline, route, m.reconciler.resolver)
		out[EntryKey(entry)] = desiredEntry{change: rib.RouteUpsert(route), entry: entry}
	}
	for neighbour := range m.store.Neighbours() {
		entry := ProjectArp(pipeline, neighbour)
		out[EntryKey(entry)] = desiredEntry{change: rib.ArpUpsert(neighbour), entry: entry}
	}
	return out
}
