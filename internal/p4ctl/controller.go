package p4ctl

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/motemotech/p4ctl/internal/device"
	"github.com/motemotech/p4ctl/internal/reconcile"
	"github.com/motemotech/p4ctl/internal/rib"
)

type options struct {
	Log      *zap.SugaredLogger
	LogLevel *zap.AtomicLevel
	Dial     device.Dialer
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// ControllerOption is a function that configures the controller.
type ControllerOption func(*options)

// WithLog sets the logger for the controller.
func WithLog(log *zap.SugaredLogger) ControllerOption {
	return func(o *options) {
		o.Log = log
	}
}

// WithAtomicLogLevel sets the atomic logger level for the controller.
//
// This level can be changed at runtime.
func WithAtomicLogLevel(level *zap.AtomicLevel) ControllerOption {
	return func(o *options) {
		o.LogLevel = level
	}
}

// WithDialer replaces the device transport dialer for every managed
// device.
func WithDialer(dial device.Dialer) ControllerOption {
	return func(o *options) {
		o.Dial = dial
	}
}

// Controller is the switch control plane entry point.
//
// It owns the desired state store and a set of managed devices, each
// converged independently by its own driver. All state mutations go
// through the controller and through the store, never directly to a
// device.
type Controller struct {
	cfg   *Config
	store *rib.RIB
	feed  *rib.Feed
	dial  device.Dialer
	log   *zap.SugaredLogger

	mu      sync.Mutex
	runCtx  context.Context
	devices map[uint64]*managedDevice
}

type managedDevice struct {
	info       device.Info
	session    *device.Session
	reconciler *reconcile.Reconciler
	driver     *reconcile.Driver

	cancel context.CancelFunc
	wg     *errgroup.Group
}

// NewController creates a controller using the specified config.
func NewController(cfg *Config, options ...ControllerOption) (*Controller, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	log := opts.Log
	log.Infof("initializing p4ctl controller ...")
	log.Debugw("parsed config", zap.Any("config", cfg))

	feed := rib.NewFeed()

	return &Controller{
		cfg:     cfg,
		store:   rib.New(feed, log),
		feed:    feed,
		dial:    opts.Dial,
		log:     log,
		devices: map[uint64]*managedDevice{},
	}, nil
}

// Store exposes the desired state store.
func (m *Controller) Store() *rib.RIB {
	return m.store
}

// Run bootstraps the store, starts the configured devices and blocks
// until ctx is canceled.
func (m *Controller) Run(ctx context.Context) error {
	if err := m.bootstrap(); err != nil {
		return fmt.Errorf("failed to bootstrap: %w", err)
	}

	m.mu.Lock()
	m.runCtx = ctx
	// Devices registered before Run are started now.
	for _, md := range m.devices {
		m.startLocked(md)
	}
	m.mu.Unlock()

	for _, info := range m.cfg.Devices {
		if err := m.AddDevice(info); err != nil {
			return err
		}
	}

	<-ctx.Done()

	m.mu.Lock()
	devices := make([]*managedDevice, 0, len(m.devices))
	for _, md := range m.devices {
		devices = append(devices, md)
	}
	m.mu.Unlock()
	for _, md := range devices {
		md.stop()
	}
	m.feed.Close()

	return ctx.Err()
}

// bootstrap seeds the store with the configured initial state. The
// entries flow through the ordinary mutation path, so connected devices
// pick them up like any runtime change.
func (m *Controller) bootstrap() error {
	boot := m.cfg.Bootstrap

	for _, portCfg := range boot.Ports {
		port, err := portCfg.parse()
		if err != nil {
			return err
		}
		if err := m.store.AddPort(port); err != nil {
			return err
		}
	}
	for _, routeCfg := range boot.Routes {
		route, err := routeCfg.parse()
		if err != nil {
			return err
		}
		if err := m.store.AddRoute(route); err != nil {
			return err
		}
	}
	for _, neighCfg := range boot.Neighbours {
		neigh, err := neighCfg.parse()
		if err != nil {
			return err
		}
		if err := m.store.AddArp(neigh); err != nil {
			return err
		}
	}

	m.log.Infow("bootstrapped store",
		zap.Int("ports", len(boot.Ports)),
		zap.Int("routes", len(boot.Routes)),
		zap.Int("neighbours", len(boot.Neighbours)),
	)
	return nil
}

// AddDevice registers a device. When the controller is running the
// device session and driver start immediately, otherwise they start
// with Run.
func (m *Controller) AddDevice(info device.Info) error {
	sessionOpts := []device.Option{device.WithLog(m.log)}
	if m.dial != nil {
		sessionOpts = append(sessionOpts, device.WithDialer(m.dial))
	}

	session := device.NewSession(info, m.cfg.Session, sessionOpts...)
	reconciler := reconcile.NewReconciler(m.cfg.Pipeline, session, m.store, m.log)
	md := &managedDevice{
		info:       info,
		session:    session,
		reconciler: reconciler,
		driver:     reconcile.NewDriver(m.store, session, reconciler, m.log),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[info.ID]; ok {
		return fmt.Errorf("device %d is already managed", info.ID)
	}
	m.devices[info.ID] = md
	if m.runCtx != nil {
		m.startLocked(md)
	}

	m.log.Infow("added device",
		zap.Uint64("device_id", info.ID),
		zap.String("name", info.Name),
		zap.String("endpoint", info.Endpoint),
	)
	return nil
}

func (m *Controller) startLocked(md *managedDevice) {
	if md.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(m.runCtx)
	wg, ctx := errgroup.WithContext(ctx)
	md.cancel = cancel
	md.wg = wg

	wg.Go(func() error {
		return md.session.Run(ctx)
	})
	wg.Go(func() error {
		return md.driver.Run(ctx)
	})
}

func (m *managedDevice) stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	_ = m.wg.Wait()
	m.cancel = nil
	m.wg = nil
}

// RemoveDevice stops converging a device and forgets it. Entries
// already installed on the device are left in place.
func (m *Controller) RemoveDevice(deviceID uint64) error {
	m.mu.Lock()
	md, ok := m.devices[deviceID]
	if ok {
		delete(m.devices, deviceID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("device %d: %w", deviceID, rib.ErrNotFound)
	}
	md.stop()

	m.log.Infow("removed device", zap.Uint64("device_id", deviceID))
	return nil
}

// ListDevices reports the convergence status of every managed device,
// ordered by device id.
func (m *Controller) ListDevices() []reconcile.Status {
	m.mu.Lock()
	statuses := make([]reconcile.Status, 0, len(m.devices))
	for _, md := range m.devices {
		statuses = append(statuses, md.driver.Status())
	}
	m.mu.Unlock()

	slices.SortFunc(statuses, func(a, b reconcile.Status) int {
		return int(a.Device.ID) - int(b.Device.ID)
	})
	return statuses
}

// DeviceStatus reports the convergence status of one device.
func (m *Controller) DeviceStatus(deviceID uint64) (reconcile.Status, error) {
	md, err := m.device(deviceID)
	if err != nil {
		return reconcile.Status{}, err
	}
	return md.driver.Status(), nil
}

func (m *Controller) device(deviceID uint64) (*managedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", deviceID, rib.ErrNotFound)
	}
	return md, nil
}

// Stats returns counter snapshots for the device tables whose logical
// name matches the glob pattern. An empty pattern matches everything.
func (m *Controller) Stats(ctx context.Context, deviceID uint64, pattern string) (map[string]reconcile.TableStats, error) {
	md, err := m.device(deviceID)
	if err != nil {
		return nil, err
	}

	if pattern == "" {
		pattern = "*"
	}
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
	}

	out := map[string]reconcile.TableStats{}
	for name, tableID := range md.reconciler.Pipeline().Tables() {
		if !matcher.Match(name) {
			continue
		}
		stats, err := md.reconciler.ReadCounters(ctx, tableID)
		if err != nil {
			return nil, fmt.Errorf("failed to read counters of %s: %w", name, err)
		}
		out[name] = stats
	}
	return out, nil
}

// AddRoute installs or replaces a route.
func (m *Controller) AddRoute(entry rib.RouteEntry) error {
	return m.store.AddRoute(entry)
}

// RemoveRoute deletes the route for the prefix.
func (m *Controller) RemoveRoute(prefix netip.Prefix) error {
	return m.store.RemoveRoute(prefix)
}

// LookupRoute returns the longest-prefix match for addr.
func (m *Controller) LookupRoute(addr netip.Addr) (rib.RouteEntry, bool) {
	return m.store.LookupRoute(addr)
}

// Routes returns a snapshot of all routes in insertion order.
func (m *Controller) Routes() []rib.RouteEntry {
	return slices.Collect(m.store.Routes())
}

// AddArp installs or refreshes a neighbour binding.
func (m *Controller) AddArp(entry rib.ArpEntry) error {
	return m.store.AddArp(entry)
}

// RemoveArp deletes the binding for ip.
func (m *Controller) RemoveArp(ip netip.Addr) error {
	return m.store.RemoveArp(ip)
}

// LookupArp returns the binding for ip.
func (m *Controller) LookupArp(ip netip.Addr) (rib.ArpEntry, bool) {
	return m.store.LookupArp(ip)
}

// Neighbours returns a snapshot of the ARP cache in insertion order.
func (m *Controller) Neighbours() []rib.ArpEntry {
	return slices.Collect(m.store.Neighbours())
}

// AddPort registers a switch port.
func (m *Controller) AddPort(port rib.PortInfo) error {
	return m.store.AddPort(port)
}

// UpdatePortStatus flips the administrative status of a port.
func (m *Controller) UpdatePortStatus(portID uint32, up bool) error {
	return m.store.UpdatePortStatus(portID, up)
}

// RemovePort deletes a port.
func (m *Controller) RemovePort(portID uint32) error {
	return m.store.RemovePort(portID)
}

// Ports returns a snapshot of all ports ordered by id.
func (m *Controller) Ports() []rib.PortInfo {
	return slices.Collect(m.store.Ports())
}
