package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/prototext"
)

var (
	// ErrNotReady is returned for writes while the session is not in a
	// writable state. The caller is expected to queue and replay.
	ErrNotReady = errors.New("device not ready")
	// ErrProtocol is returned for malformed or unsupported device
	// responses.
	ErrProtocol = errors.New("protocol error")
)

// Info identifies a managed device.
type Info struct {
	// ID is the P4Runtime device id, unique within the controller.
	ID uint64 `yaml:"device_id"`
	// Name is a human-readable device name.
	Name string `yaml:"name"`
	// Endpoint is the gRPC address of the device.
	Endpoint string `yaml:"endpoint"`
}

// Config holds per-session tunables.
type Config struct {
	// ElectionID is the low 64 bits of the arbitration election id.
	ElectionID uint64 `yaml:"election_id"`
	// CallTimeout bounds every unary or streaming device call.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// MaxBackoff caps the reconnect interval.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// P4InfoPath and DeviceConfigPath, when both set, are pushed to the
	// device after winning arbitration.
	P4InfoPath       string `yaml:"p4info_path"`
	DeviceConfigPath string `yaml:"device_config_path"`
}

// DefaultConfig returns the session defaults.
func DefaultConfig() *Config {
	return &Config{
		ElectionID:  1,
		CallTimeout: 5 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// Dialer opens a P4Runtime client to the given endpoint. Replaced in
// tests with an in-memory fake.
type Dialer func(endpoint string) (p4v1.P4RuntimeClient, io.Closer, error)

func grpcDialer(endpoint string) (p4v1.P4RuntimeClient, io.Closer, error) {
	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to device: %w", err)
	}
	return p4v1.NewP4RuntimeClient(conn), conn, nil
}

type options struct {
	Log  *zap.SugaredLogger
	Dial Dialer
}

func newOptions() *options {
	return &options{
		Log:  zap.NewNop().Sugar(),
		Dial: grpcDialer,
	}
}

// Option configures a session.
type Option func(*options)

// WithLog sets the session logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithDialer replaces the transport dialer.
func WithDialer(dial Dialer) Option {
	return func(o *options) {
		o.Dial = dial
	}
}

// Session owns the bidirectional control channel to a single device.
//
// The session runs a connect/arbitrate/monitor loop with exponential
// backoff. Each entry to the READY state is announced on the Ready
// channel so the reconciliation driver can resync.
type Session struct {
	info Info
	cfg  *Config
	dial Dialer
	log  *zap.SugaredLogger

	state      atomic.Int32
	role       atomic.Int32
	generation atomic.Uint64

	mu           sync.Mutex
	client       p4v1.P4RuntimeClient
	closer       io.Closer
	streamCancel context.CancelFunc

	readyCh chan uint64
}

// NewSession creates a session for the device. It does not connect until
// Run is called.
func NewSession(info Info, cfg *Config, opts ...Option) *Session {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Session{
		info:    info,
		cfg:     cfg,
		dial:    o.Dial,
		log:     o.Log.With(zap.Uint64("device_id", info.ID), zap.String("device", info.Name)),
		readyCh: make(chan uint64, 1),
	}
}

// Info returns the device identity.
func (m *Session) Info() Info {
	return m.info
}

// State returns the current connection state.
func (m *Session) State() State {
	return State(m.state.Load())
}

// Role returns the arbitration outcome of the current connection.
func (m *Session) Role() Role {
	return Role(m.role.Load())
}

// Generation counts successful connections. It increases every time the
// session re-enters READY.
func (m *Session) Generation() uint64 {
	return m.generation.Load()
}

// Ready announces entries to the READY state, carrying the connection
// generation. Notifications are coalesced: a reader always observes at
// least the latest one.
func (m *Session) Ready() <-chan uint64 {
	return m.readyCh
}

func (m *Session) setState(next State) {
	prev := State(m.state.Swap(int32(next)))
	if prev != next {
		m.log.Infow("device session state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", next),
		)
	}
}

// Run drives the connection lifecycle until ctx is canceled.
func (m *Session) Run(ctx context.Context) error {
	defer m.teardown()

	initial := backoff.DefaultInitialInterval
	if m.cfg.MaxBackoff < initial {
		initial = m.cfg.MaxBackoff
	}
	reconnect := backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         m.cfg.MaxBackoff,
	}
	reconnect.Reset()

	for {
		stream, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warnw("device connection attempt failed", zap.Error(err))
			m.setState(StateReconnecting)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnect.NextBackOff()):
			}
			continue
		}

		reconnect.Reset()
		generation := m.generation.Add(1)
		m.setState(StateReady)
		m.announceReady(generation)

		// Block on the stream until the connection faults. Arbitration
		// updates may demote or promote the session mid-connection.
		if err := m.monitor(ctx, stream); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Warnw("device stream terminated", zap.Error(err))
		}

		m.setState(StateReconnecting)
		m.closeTransport()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnect.NextBackOff()):
		}
	}
}

func (m *Session) announceReady(generation uint64) {
	// Coalesce: drop a stale pending notification before pushing.
	select {
	case <-m.readyCh:
	default:
	}
	m.readyCh <- generation
}

// connect dials the device, opens the stream and performs arbitration.
func (m *Session) connect(ctx context.Context) (p4v1.P4Runtime_StreamChannelClient, error) {
	m.setState(StateConnecting)

	client, closer, err := m.dial(m.info.Endpoint)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := client.StreamChannel(streamCtx)
	if err != nil {
		cancel()
		_ = closer.Close()
		return nil, fmt.Errorf("failed to open stream channel: %w", err)
	}

	m.mu.Lock()
	m.client = client
	m.closer = closer
	m.streamCancel = cancel
	m.mu.Unlock()

	role, err := m.arbitrate(stream)
	if err != nil {
		m.closeTransport()
		return nil, err
	}
	m.role.Store(int32(role))

	if role == RolePrimary && m.cfg.P4InfoPath != "" && m.cfg.DeviceConfigPath != "" {
		if err := m.pushPipeline(ctx, client); err != nil {
			m.closeTransport()
			return nil, fmt.Errorf("failed to push pipeline config: %w", err)
		}
	}

	return stream, nil
}

// arbitrate sends the election update and waits for the outcome. An OK
// status means this controller is the primary for the device.
func (m *Session) arbitrate(stream p4v1.P4Runtime_StreamChannelClient) (Role, error) {
	m.setState(StateArbitrating)

	req := &p4v1.StreamMessageRequest{
		Update: &p4v1.StreamMessageRequest_Arbitration{
			Arbitration: &p4v1.MasterArbitrationUpdate{
				DeviceId:   m.info.ID,
				ElectionId: m.electionID(),
			},
		},
	}
	if err := stream.Send(req); err != nil {
		return RoleNone, fmt.Errorf("failed to send arbitration update: %w", err)
	}

	resp, err := stream.Recv()
	if err != nil {
		return RoleNone, fmt.Errorf("failed to receive arbitration outcome: %w", err)
	}
	arbitration := resp.GetArbitration()
	if arbitration == nil {
		return RoleNone, fmt.Errorf("%w: expected arbitration update, got %T", ErrProtocol, resp.GetUpdate())
	}

	if arbitration.GetStatus().GetCode() != int32(codes.OK) {
		m.log.Infow("arbitration lost, session is backup",
			zap.Int32("status", arbitration.GetStatus().GetCode()),
		)
		return RoleBackup, nil
	}

	m.log.Info("arbitration won, session is primary")
	return RolePrimary, nil
}

// monitor consumes stream messages until the stream faults.
func (m *Session) monitor(ctx context.Context, stream p4v1.P4Runtime_StreamChannelClient) error {
	for {
		resp, err := stream.Recv()
		if err != nil {
			return err
		}

		if arbitration := resp.GetArbitration(); arbitration != nil {
			role := RoleBackup
			if arbitration.GetStatus().GetCode() == int32(codes.OK) {
				role = RolePrimary
			}
			if Role(m.role.Swap(int32(role))) != role {
				m.log.Infow("arbitration role changed", zap.Stringer("role", role))
			}
			continue
		}
		// Packet-in and digest messages are dataplane concerns, skipped
		// here.
		m.log.Debugf("ignoring stream message: %T", resp.GetUpdate())

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (m *Session) pushPipeline(ctx context.Context, client p4v1.P4RuntimeClient) error {
	p4infoRaw, err := os.ReadFile(m.cfg.P4InfoPath)
	if err != nil {
		return fmt.Errorf("failed to read p4info: %w", err)
	}
	p4info := &configv1.P4Info{}
	if err := prototext.Unmarshal(p4infoRaw, p4info); err != nil {
		return fmt.Errorf("failed to parse p4info: %w", err)
	}

	deviceConfig, err := os.ReadFile(m.cfg.DeviceConfigPath)
	if err != nil {
		return fmt.Errorf("failed to read device config: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	_, err = client.SetForwardingPipelineConfig(callCtx, &p4v1.SetForwardingPipelineConfigRequest{
		DeviceId:   m.info.ID,
		ElectionId: m.electionID(),
		Action:     p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT,
		Config: &p4v1.ForwardingPipelineConfig{
			P4Info:         p4info,
			P4DeviceConfig: deviceConfig,
		},
	})
	if err != nil {
		return err
	}

	m.log.Info("pushed forwarding pipeline config")
	return nil
}

func (m *Session) electionID() *p4v1.Uint128 {
	return &p4v1.Uint128{Low: m.cfg.ElectionID}
}

// Write submits an ordered list of updates to the device.
//
// Only a READY primary session accepts writes; everything else fails
// with ErrNotReady. A transport-level failure tears the connection down
// so the reconnect loop can take over.
func (m *Session) Write(ctx context.Context, updates []*p4v1.Update) error {
	if m.State() != StateReady {
		return fmt.Errorf("%w: state %s", ErrNotReady, m.State())
	}
	if m.Role() != RolePrimary {
		return fmt.Errorf("%w: role %s may not write", ErrNotReady, m.Role())
	}

	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return fmt.Errorf("%w: no transport", ErrNotReady)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	_, err := client.Write(callCtx, &p4v1.WriteRequest{
		DeviceId:   m.info.ID,
		ElectionId: m.electionID(),
		Updates:    updates,
	})
	if err != nil && IsTransportError(err) {
		m.fault()
	}
	return err
}

// ReadTableEntries reads every entry of the given table. Reads are
// allowed for backup sessions as well.
func (m *Session) ReadTableEntries(ctx context.Context, tableID uint32) ([]*p4v1.TableEntry, error) {
	entities, err := m.read(ctx, &p4v1.Entity{
		Entity: &p4v1.Entity_TableEntry{
			TableEntry: &p4v1.TableEntry{TableId: tableID},
		},
	})
	if err != nil {
		return nil, err
	}

	entries := make([]*p4v1.TableEntry, 0, len(entities))
	for _, entity := range entities {
		entry := entity.GetTableEntry()
		if entry == nil {
			return nil, fmt.Errorf("%w: expected table entry, got %T", ErrProtocol, entity.GetEntity())
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ReadDirectCounters reads the direct counters attached to a table.
func (m *Session) ReadDirectCounters(ctx context.Context, tableID uint32) ([]*p4v1.DirectCounterEntry, error) {
	entities, err := m.read(ctx, &p4v1.Entity{
		Entity: &p4v1.Entity_DirectCounterEntry{
			DirectCounterEntry: &p4v1.DirectCounterEntry{
				TableEntry: &p4v1.TableEntry{TableId: tableID},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	counters := make([]*p4v1.DirectCounterEntry, 0, len(entities))
	for _, entity := range entities {
		counter := entity.GetDirectCounterEntry()
		if counter == nil {
			return nil, fmt.Errorf("%w: expected direct counter entry, got %T", ErrProtocol, entity.GetEntity())
		}
		counters = append(counters, counter)
	}
	return counters, nil
}

func (m *Session) read(ctx context.Context, entity *p4v1.Entity) ([]*p4v1.Entity, error) {
	if state := m.State(); state != StateReady {
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, state)
	}

	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("%w: no transport", ErrNotReady)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	stream, err := client.Read(callCtx, &p4v1.ReadRequest{
		DeviceId: m.info.ID,
		Entities: []*p4v1.Entity{entity},
	})
	if err != nil {
		if IsTransportError(err) {
			m.fault()
		}
		return nil, err
	}

	entities := []*p4v1.Entity{}
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return entities, nil
		}
		if err != nil {
			if IsTransportError(err) {
				m.fault()
			}
			return nil, err
		}
		entities = append(entities, resp.Entities...)
	}
}

// fault forces the monitor loop to observe a broken stream, driving the
// READY -> RECONNECTING transition.
func (m *Session) fault() {
	m.mu.Lock()
	cancel := m.streamCancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Session) closeTransport() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.role.Store(int32(RoleNone))
	if m.streamCancel != nil {
		m.streamCancel()
		m.streamCancel = nil
	}
	if m.closer != nil {
		_ = m.closer.Close()
		m.closer = nil
	}
	m.client = nil
}

func (m *Session) teardown() {
	m.closeTransport()
	m.setState(StateDisconnected)
}

// IsTransportError reports whether err is a connection or deadline
// failure, as opposed to a per-entry device verdict.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.Aborted:
		return true
	default:
		return false
	}
}
