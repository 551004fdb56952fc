package device

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/motemotech/p4ctl/internal/p4mock"
)

func testConfig() *Config {
	return &Config{
		ElectionID:  1,
		CallTimeout: time.Second,
		MaxBackoff:  10 * time.Millisecond,
	}
}

func testSession(t *testing.T, sw *p4mock.Switch) *Session {
	t.Helper()

	session := NewSession(
		Info{ID: 1, Name: "s1", Endpoint: "fake:9559"},
		testConfig(),
		WithLog(zap.NewNop().Sugar()),
		WithDialer(func(string) (p4v1.P4RuntimeClient, io.Closer, error) {
			return sw.Client(), p4mock.NopCloser{}, nil
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return session
}

func waitReady(t *testing.T, session *Session) uint64 {
	t.Helper()

	select {
	case generation := <-session.Ready():
		return generation
	case <-time.After(5 * time.Second):
		t.Fatal("session did not become ready")
		return 0
	}
}

func insertUpdate(tableID uint32, value byte) *p4v1.Update {
	return &p4v1.Update{
		Type: p4v1.Update_INSERT,
		Entity: &p4v1.Entity{
			Entity: &p4v1.Entity_TableEntry{
				TableEntry: &p4v1.TableEntry{
					TableId: tableID,
					Match: []*p4v1.FieldMatch{{
						FieldId: 1,
						FieldMatchType: &p4v1.FieldMatch_Exact_{
							Exact: &p4v1.FieldMatch_Exact{Value: []byte{value}},
						},
					}},
				},
			},
		},
	}
}

func TestSessionBecomesPrimary(t *testing.T) {
	sw := p4mock.New()
	session := testSession(t, sw)

	generation := waitReady(t, session)
	require.Equal(t, uint64(1), generation)
	require.Equal(t, StateReady, session.State())
	require.Equal(t, RolePrimary, session.Role())
}

func TestWriteBeforeConnectNotReady(t *testing.T) {
	session := NewSession(Info{ID: 1}, testConfig(), WithLog(zap.NewNop().Sugar()))

	err := session.Write(context.Background(), []*p4v1.Update{insertUpdate(10, 1)})
	require.ErrorIs(t, err, ErrNotReady)
}

func TestBackupSessionRejectsWrites(t *testing.T) {
	sw := p4mock.New()
	sw.SetArbitrationCode(codes.AlreadyExists)
	session := testSession(t, sw)

	waitReady(t, session)
	require.Equal(t, RoleBackup, session.Role())

	err := session.Write(context.Background(), []*p4v1.Update{insertUpdate(10, 1)})
	require.ErrorIs(t, err, ErrNotReady)

	// Reads stay available for a backup session.
	_, err = session.ReadTableEntries(context.Background(), 10)
	require.NoError(t, err)
}

func TestWriteRoundtrip(t *testing.T) {
	sw := p4mock.New()
	session := testSession(t, sw)
	waitReady(t, session)

	err := session.Write(context.Background(), []*p4v1.Update{insertUpdate(10, 1)})
	require.NoError(t, err)
	require.Equal(t, 1, sw.Len(10))

	entries, err := session.ReadTableEntries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestSessionReconnectsAfterStreamFault(t *testing.T) {
	sw := p4mock.New()
	session := testSession(t, sw)

	require.Equal(t, uint64(1), waitReady(t, session))

	sw.CloseStreams()

	generation := waitReady(t, session)
	require.Greater(t, generation, uint64(1))
	require.Equal(t, StateReady, session.State())

	err := session.Write(context.Background(), []*p4v1.Update{insertUpdate(10, 2)})
	require.NoError(t, err)
}

func TestSessionRecoversFromUnreachableDevice(t *testing.T) {
	sw := p4mock.New()
	session := testSession(t, sw)
	waitReady(t, session)

	sw.SetRefuse(true)

	// The write either observes the transport fault itself or finds the
	// session already torn down by the broken stream.
	err := session.Write(context.Background(), []*p4v1.Update{insertUpdate(10, 3)})
	require.Error(t, err)
	require.True(t, IsTransportError(err) || errors.Is(err, ErrNotReady))

	sw.SetRefuse(false)

	generation := waitReady(t, session)
	require.Greater(t, generation, uint64(1))
	require.Equal(t, RolePrimary, session.Role())
}
