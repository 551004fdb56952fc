package p4ctl

import (
	"context"
	"io"
	"net/netip"
	"testing"
	"time"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/motemotech/p4ctl/internal/device"
	"github.com/motemotech/p4ctl/internal/p4mock"
	"github.com/motemotech/p4ctl/internal/rib"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Session.CallTimeout = time.Second
	cfg.Session.MaxBackoff = 10 * time.Millisecond
	return cfg
}

func startController(t *testing.T, cfg *Config, sw *p4mock.Switch) *Controller {
	t.Helper()

	ctrl, err := NewController(cfg,
		WithLog(zap.NewNop().Sugar()),
		WithDialer(func(string) (p4v1.P4RuntimeClient, io.Closer, error) {
			return sw.Client(), p4mock.NopCloser{}, nil
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return ctrl
}

func waitConverged(t *testing.T, ctrl *Controller, deviceID uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := ctrl.DeviceStatus(deviceID)
		return err == nil && !status.LastResync.IsZero() && !status.Degraded
	}, 5*time.Second, 5*time.Millisecond)
}

func TestControllerBootstrapConverges(t *testing.T) {
	sw := p4mock.New()
	cfg := testConfig()
	cfg.Devices = []device.Info{{ID: 1, Name: "s1", Endpoint: "fake:9559"}}

	ctrl := startController(t, cfg, sw)
	waitConverged(t, ctrl, 1)

	// Two bootstrap routes and one neighbour binding.
	require.Equal(t, 2, sw.Len(cfg.Pipeline.IPv4LpmTable))
	require.Equal(t, 1, sw.Len(cfg.Pipeline.ArpTable))

	route, ok := ctrl.LookupRoute(netip.MustParseAddr("8.8.8.8"))
	require.True(t, ok)
	require.Equal(t, "0.0.0.0/0", route.Prefix.String())

	statuses := ctrl.ListDevices()
	require.Len(t, statuses, 1)
	require.Equal(t, device.StateReady, statuses[0].State)
}

func TestControllerAddRemoveDevice(t *testing.T) {
	sw := p4mock.New()
	ctrl := startController(t, testConfig(), sw)

	info := device.Info{ID: 7, Name: "s7", Endpoint: "fake:9559"}
	require.NoError(t, ctrl.AddDevice(info))
	require.Error(t, ctrl.AddDevice(info))
	waitConverged(t, ctrl, 7)

	require.NoError(t, ctrl.RemoveDevice(7))
	require.ErrorIs(t, ctrl.RemoveDevice(7), rib.ErrNotFound)
	require.Empty(t, ctrl.ListDevices())

	// Entries already installed stay on the device.
	require.Equal(t, 2, sw.Len(testConfig().Pipeline.IPv4LpmTable))
}

func TestControllerMutationsReachDevice(t *testing.T) {
	sw := p4mock.New()
	cfg := testConfig()
	cfg.Devices = []device.Info{{ID: 1, Name: "s1", Endpoint: "fake:9559"}}

	ctrl := startController(t, cfg, sw)
	waitConverged(t, ctrl, 1)

	require.NoError(t, ctrl.AddRoute(rib.RouteEntry{
		Prefix:    netip.MustParsePrefix("10.0.0.0/8"),
		NextHop:   netip.MustParseAddr("192.168.1.1"),
		Interface: "eth0",
	}))
	require.Eventually(t, func() bool {
		return sw.Len(cfg.Pipeline.IPv4LpmTable) == 3
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.RemoveRoute(netip.MustParsePrefix("10.0.0.0/8")))
	require.Eventually(t, func() bool {
		return sw.Len(cfg.Pipeline.IPv4LpmTable) == 2
	}, 5*time.Second, 5*time.Millisecond)

	require.Len(t, ctrl.Routes(), 2)
	require.Len(t, ctrl.Neighbours(), 1)
	require.Len(t, ctrl.Ports(), 1)
}

func TestControllerStats(t *testing.T) {
	sw := p4mock.New()
	cfg := testConfig()
	cfg.Devices = []device.Info{{ID: 1, Name: "s1", Endpoint: "fake:9559"}}

	ctrl := startController(t, cfg, sw)
	waitConverged(t, ctrl, 1)

	sw.SetCounters(cfg.Pipeline.IPv4LpmTable, 100, 6400)
	sw.SetCounters(cfg.Pipeline.ArpTable, 7, 448)
	ctx := context.Background()

	stats, err := ctrl.Stats(ctx, 1, "ipv4*")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, uint64(100), stats["ipv4_lpm"].Packets)

	all, err := ctrl.Stats(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, uint64(448), all["arp_exact"].Bytes)

	_, err = ctrl.Stats(ctx, 99, "*")
	require.ErrorIs(t, err, rib.ErrNotFound)
}
