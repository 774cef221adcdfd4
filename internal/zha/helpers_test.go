package zha

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zigbee-lock-hub/internal/coordinator"
	"zigbee-lock-hub/internal/core"
	"zigbee-lock-hub/internal/events"
	"zigbee-lock-hub/internal/store"
	"zigbee-lock-hub/internal/zcl"
	"zigbee-lock-hub/internal/zcl/clusters"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTransport records requests and answers reads from a fixed table.
type fakeTransport struct {
	mu       sync.Mutex
	requests []Request
	reads    int
	status   zcl.Status
	err      error
	attrs    map[uint16]map[uint16]any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{attrs: make(map[uint16]map[uint16]any)}
}

func (f *fakeTransport) Request(ctx context.Context, req Request) (zcl.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.status, f.err
}

func (f *fakeTransport) ReadAttributes(ctx context.Context, nwk uint16, endpoint uint8, clusterID uint16, attrIDs []uint16) ([]coordinator.AttributeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]coordinator.AttributeResult, 0, len(attrIDs))
	for _, id := range attrIDs {
		v, ok := f.attrs[clusterID][id]
		if !ok {
			out = append(out, coordinator.AttributeResult{AttrID: id, Status: zcl.StatusUnsupportedAttr})
			continue
		}
		out = append(out, coordinator.AttributeResult{AttrID: id, Status: zcl.StatusSuccess, Value: v})
	}
	return out, nil
}

func (f *fakeTransport) set(clusterID, attrID uint16, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attrs[clusterID] == nil {
		f.attrs[clusterID] = make(map[uint16]any)
	}
	f.attrs[clusterID][attrID] = v
}

// take returns the recorded requests and clears them.
func (f *fakeTransport) take() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.requests
	f.requests = nil
	return out
}

type testEnv struct {
	hub       *core.Hub
	store     *store.BoltStore
	registry  *zcl.Registry
	transport *fakeTransport
	gw        *Gateway
}

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestEnv(t *testing.T, st *store.BoltStore, cfg Config) *testEnv {
	t.Helper()
	logger := newTestLogger()
	registry := zcl.NewRegistry(logger)
	for _, c := range clusters.Standard() {
		registry.Register(c)
	}
	hub := core.NewHub(events.NewBus(logger), logger)
	ft := newFakeTransport()
	gw := NewGateway(hub, st, registry, ft, cfg, logger)
	if err := gw.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(gw.Stop)
	return &testEnv{hub: hub, store: st, registry: registry, transport: ft, gw: gw}
}

const testIEEE = "00158D0001A2B3C4"

// lockDevice is a door lock with Door Lock and Basic server clusters on
// endpoint 1.
func lockDevice(ieee string) *store.Device {
	return &store.Device{
		IEEEAddress:  ieee,
		ShortAddress: 0xB79C,
		Manufacturer: "FakeManufacturer",
		Model:        "FakeModel",
		PowerSource:  0x03,
		Interviewed:  true,
		LastSeen:     time.Now(),
		Endpoints: []store.Endpoint{{
			ID:         1,
			ProfileID:  0x0104,
			DeviceID:   DeviceTypeDoorLock,
			InClusters: []uint16{clusters.DoorLockID, clusters.BasicID},
		}},
	}
}

// joinOrRestore brings dev into a fresh gateway either as a newly joined
// device or as one restored from the store at startup.
func joinOrRestore(t *testing.T, path string, dev *store.Device, cfg Config) (*testEnv, *Device) {
	t.Helper()
	st := newTestStore(t)
	switch path {
	case "joined":
		env := newTestEnv(t, st, cfg)
		d, err := env.gw.JoinDevice(dev)
		if err != nil {
			t.Fatal(err)
		}
		return env, d
	case "restored":
		if err := st.SaveDevice(dev); err != nil {
			t.Fatal(err)
		}
		env := newTestEnv(t, st, cfg)
		d := env.gw.Device(dev.IEEEAddress)
		if d == nil {
			t.Fatal("device not restored")
		}
		return env, d
	}
	t.Fatalf("unknown path %q", path)
	return nil, nil
}

func reportFrame(t *testing.T, attrID uint16, dataType uint8, value any) (zcl.Header, []byte) {
	t.Helper()
	payload, err := zcl.EncodeReportRecords([]zcl.AttributeRecord{{AttrID: attrID, DataType: dataType, Value: value}})
	if err != nil {
		t.Fatal(err)
	}
	return zcl.NewHeader(true, 1, zcl.FoundationReportAttributes), payload
}

func assertState(t *testing.T, hub *core.Hub, entityID, want string) {
	t.Helper()
	st := hub.States().Get(entityID)
	if st == nil {
		t.Fatalf("%s has no state, want %q", entityID, want)
	}
	if st.State != want {
		t.Fatalf("%s state = %q, want %q", entityID, st.State, want)
	}
}
