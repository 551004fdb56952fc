// Package p4mock provides an in-memory P4Runtime device for tests.
//
// The fake keeps real table state with P4Runtime write semantics
// (INSERT/MODIFY/DELETE with ALREADY_EXISTS and NOT_FOUND verdicts), so
// reconciliation logic can be exercised end to end without a switch.
package p4mock

import (
	"context"
	"fmt"
	"io"
	"sync"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// Switch is a single fake P4Runtime device.
type Switch struct {
	mu            sync.Mutex
	tables        map[uint32]map[string]*p4v1.TableEntry
	counters      map[uint32]*p4v1.CounterData
	streams       []*streamClient
	refuse        bool
	arbitration   codes.Code
	nextWriteErrs []error
}

// New returns an empty switch that grants mastership to the first
// arbitration request.
func New() *Switch {
	return &Switch{
		tables:      map[uint32]map[string]*p4v1.TableEntry{},
		counters:    map[uint32]*p4v1.CounterData{},
		arbitration: codes.OK,
	}
}

// Client returns a P4Runtime client bound to this switch.
func (m *Switch) Client() p4v1.P4RuntimeClient {
	return &client{sw: m}
}

// NopCloser is a no-op io.Closer for wiring the fake into dialers.
type NopCloser struct{}

func (NopCloser) Close() error { return nil }

// SetArbitrationCode sets the status code returned to arbitration
// requests. Anything but OK demotes the session to backup.
func (m *Switch) SetArbitrationCode(code codes.Code) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arbitration = code
}

// SetRefuse makes the switch unreachable: streams and calls fail with
// UNAVAILABLE until re-enabled.
func (m *Switch) SetRefuse(refuse bool) {
	m.mu.Lock()
	m.refuse = refuse
	m.mu.Unlock()
	if refuse {
		m.CloseStreams()
	}
}

// CloseStreams tears down all open stream channels, simulating a
// transport fault.
func (m *Switch) CloseStreams() {
	m.mu.Lock()
	streams := m.streams
	m.streams = nil
	m.mu.Unlock()

	for _, stream := range streams {
		stream.close()
	}
}

// FailNextWrite queues an error to be returned by the next Write call.
func (m *Switch) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWriteErrs = append(m.nextWriteErrs, err)
}

// Put installs an entry directly, bypassing write semantics. Used to
// inject divergence before a resync.
func (m *Switch) Put(entry *p4v1.TableEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(entry.TableId)[matchKey(entry)] = proto.Clone(entry).(*p4v1.TableEntry)
}

// Clear drops all table state, simulating a device reset.
func (m *Switch) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = map[uint32]map[string]*p4v1.TableEntry{}
}

// Entries returns a copy of all entries in the table.
func (m *Switch) Entries(tableID uint32) []*p4v1.TableEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*p4v1.TableEntry{}
	for _, entry := range m.table(tableID) {
		out = append(out, proto.Clone(entry).(*p4v1.TableEntry))
	}
	return out
}

// Len returns the number of entries in the table.
func (m *Switch) Len(tableID uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table(tableID))
}

// SetCounters sets the aggregate direct counter reported for a table.
func (m *Switch) SetCounters(tableID uint32, packets, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[tableID] = &p4v1.CounterData{PacketCount: packets, ByteCount: bytes}
}

func (m *Switch) table(tableID uint32) map[string]*p4v1.TableEntry {
	table, ok := m.tables[tableID]
	if !ok {
		table = map[string]*p4v1.TableEntry{}
		m.tables[tableID] = table
	}
	return table
}

// matchKey builds a deterministic key from the match fields of an entry.
func matchKey(entry *p4v1.TableEntry) string {
	key := fmt.Sprintf("t%d", entry.TableId)
	for _, field := range entry.Match {
		switch match := field.GetFieldMatchType().(type) {
		case *p4v1.FieldMatch_Exact_:
			key += fmt.Sprintf("/f%d=%x", field.FieldId, match.Exact.Value)
		case *p4v1.FieldMatch_Lpm:
			key += fmt.Sprintf("/f%d=%x|%d", field.FieldId, match.Lpm.Value, match.Lpm.PrefixLen)
		default:
			key += fmt.Sprintf("/f%d=%v", field.FieldId, match)
		}
	}
	return key
}

func (m *Switch) write(req *p4v1.WriteRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refuse {
		return status.Error(codes.Unavailable, "switch unreachable")
	}
	if len(m.nextWriteErrs) > 0 {
		err := m.nextWriteErrs[0]
		m.nextWriteErrs = m.nextWriteErrs[1:]
		return err
	}

	// Updates apply in order and processing stops at the first failure:
	// no atomicity across entries.
	for _, update := range req.Updates {
		entry := update.GetEntity().GetTableEntry()
		if entry == nil {
			return status.Error(codes.InvalidArgument, "only table entries are supported")
		}
		table := m.table(entry.TableId)
		key := matchKey(entry)

		switch update.Type {
		case p4v1.Update_INSERT:
			if _, ok := table[key]; ok {
				return status.Error(codes.AlreadyExists, key)
			}
			table[key] = proto.Clone(entry).(*p4v1.TableEntry)
		case p4v1.Update_MODIFY:
			if _, ok := table[key]; !ok {
				return status.Error(codes.NotFound, key)
			}
			table[key] = proto.Clone(entry).(*p4v1.TableEntry)
		case p4v1.Update_DELETE:
			if _, ok := table[key]; !ok {
				return status.Error(codes.NotFound, key)
			}
			delete(table, key)
		default:
			return status.Error(codes.InvalidArgument, "unsupported update type")
		}
	}
	return nil
}

type client struct {
	sw *Switch
}

func (m *client) Write(ctx context.Context, req *p4v1.WriteRequest, opts ...grpc.CallOption) (*p4v1.WriteResponse, error) {
	if err := m.sw.write(req); err != nil {
		return nil, err
	}
	return &p4v1.WriteResponse{}, nil
}

func (m *client) Read(ctx context.Context, req *p4v1.ReadRequest, opts ...grpc.CallOption) (p4v1.P4Runtime_ReadClient, error) {
	m.sw.mu.Lock()
	defer m.sw.mu.Unlock()

	if m.sw.refuse {
		return nil, status.Error(codes.Unavailable, "switch unreachable")
	}

	entities := []*p4v1.Entity{}
	for _, requested := range req.Entities {
		switch want := requested.GetEntity().(type) {
		case *p4v1.Entity_TableEntry:
			for _, entry := range m.sw.table(want.TableEntry.TableId) {
				entities = append(entities, &p4v1.Entity{
					Entity: &p4v1.Entity_TableEntry{
						TableEntry: proto.Clone(entry).(*p4v1.TableEntry),
					},
				})
			}
		case *p4v1.Entity_DirectCounterEntry:
			tableID := want.DirectCounterEntry.GetTableEntry().GetTableId()
			data := m.sw.counters[tableID]
			if data == nil {
				data = &p4v1.CounterData{}
			}
			entities = append(entities, &p4v1.Entity{
				Entity: &p4v1.Entity_DirectCounterEntry{
					DirectCounterEntry: &p4v1.DirectCounterEntry{
						TableEntry: &p4v1.TableEntry{TableId: tableID},
						Data:       proto.Clone(data).(*p4v1.CounterData),
					},
				},
			})
		default:
			return nil, status.Error(codes.InvalidArgument, "unsupported entity")
		}
	}

	return &readClient{entities: entities}, nil
}

func (m *client) SetForwardingPipelineConfig(ctx context.Context, req *p4v1.SetForwardingPipelineConfigRequest, opts ...grpc.CallOption) (*p4v1.SetForwardingPipelineConfigResponse, error) {
	return &p4v1.SetForwardingPipelineConfigResponse{}, nil
}

func (m *client) GetForwardingPipelineConfig(ctx context.Context, req *p4v1.GetForwardingPipelineConfigRequest, opts ...grpc.CallOption) (*p4v1.GetForwardingPipelineConfigResponse, error) {
	return &p4v1.GetForwardingPipelineConfigResponse{}, nil
}

func (m *client) Capabilities(ctx context.Context, req *p4v1.CapabilitiesRequest, opts ...grpc.CallOption) (*p4v1.CapabilitiesResponse, error) {
	return &p4v1.CapabilitiesResponse{P4RuntimeApiVersion: "1.3.0"}, nil
}

func (m *client) StreamChannel(ctx context.Context, opts ...grpc.CallOption) (p4v1.P4Runtime_StreamChannelClient, error) {
	m.sw.mu.Lock()
	defer m.sw.mu.Unlock()

	if m.sw.refuse {
		return nil, status.Error(codes.Unavailable, "switch unreachable")
	}

	stream := &streamClient{
		sw:        m.sw,
		ctx:       ctx,
		responses: make(chan *p4v1.StreamMessageResponse, 4),
		closed:    make(chan struct{}),
	}
	m.sw.streams = append(m.sw.streams, stream)
	return stream, nil
}

type readClient struct {
	grpc.ClientStream
	entities []*p4v1.Entity
	done     bool
}

func (m *readClient) Recv() (*p4v1.ReadResponse, error) {
	if m.done {
		return nil, io.EOF
	}
	m.done = true
	return &p4v1.ReadResponse{Entities: m.entities}, nil
}

type streamClient struct {
	grpc.ClientStream
	sw        *Switch
	ctx       context.Context
	responses chan *p4v1.StreamMessageResponse

	closeOnce sync.Once
	closed    chan struct{}
}

func (m *streamClient) close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

func (m *streamClient) Send(req *p4v1.StreamMessageRequest) error {
	select {
	case <-m.closed:
		return status.Error(codes.Unavailable, "stream closed")
	default:
	}

	arbitration := req.GetArbitration()
	if arbitration == nil {
		// Packet-out and digest acks are accepted and dropped.
		return nil
	}

	m.sw.mu.Lock()
	code := m.sw.arbitration
	m.sw.mu.Unlock()

	m.responses <- &p4v1.StreamMessageResponse{
		Update: &p4v1.StreamMessageResponse_Arbitration{
			Arbitration: &p4v1.MasterArbitrationUpdate{
				DeviceId:   arbitration.DeviceId,
				ElectionId: arbitration.ElectionId,
				Status:     arbitrationStatus(code),
			},
		},
	}
	return nil
}

func (m *streamClient) Recv() (*p4v1.StreamMessageResponse, error) {
	select {
	case resp := <-m.responses:
		return resp, nil
	case <-m.closed:
		return nil, status.Error(codes.Unavailable, "stream closed")
	case <-m.ctx.Done():
		return nil, m.ctx.Err()
	}
}

func (m *streamClient) CloseSend() error {
	m.close()
	return nil
}

func arbitrationStatus(code codes.Code) *rpcstatus.Status {
	return &rpcstatus.Status{Code: int32(code)}
}
