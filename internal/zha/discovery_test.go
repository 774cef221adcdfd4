package zha

import (
	"testing"

	"zigbee-lock-hub/internal/store"
	"zigbee-lock-hub/internal/zcl"
	"zigbee-lock-hub/internal/zcl/clusters"
)

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Yale YRD226 3b4c":         "yale_yrd226_3b4c",
		"  Kwikset -- SmartCode  ": "kwikset_smartcode",
		"ÜberLock":                 "berlock",
		"":                         "",
	}
	for in, want := range tests {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDiscover(t *testing.T) {
	logger := newTestLogger()
	registry := zcl.NewRegistry(logger)
	sdev := &store.Device{
		IEEEAddress: testIEEE,
		Endpoints: []store.Endpoint{
			{ID: 1, DeviceID: DeviceTypeDoorLock, InClusters: []uint16{clusters.BasicID}},
			{ID: 2, DeviceID: 0x0000, InClusters: []uint16{clusters.DoorLockID}},
			{ID: 3, DeviceID: 0x0100, InClusters: []uint16{0x0006}},
		},
	}
	dev := newDevice(sdev, registry, newFakeTransport(), logger)

	descs := Discover(dev)
	if len(descs) != 1 {
		t.Fatalf("got %d entities, want 1", len(descs))
	}
	if descs[0].Platform != PlatformLock || descs[0].Endpoint.ID != 2 {
		t.Errorf("desc = %+v", descs[0])
	}
	if descs[0].UniqueID() != testIEEE+"-2" {
		t.Errorf("unique id = %q", descs[0].UniqueID())
	}
	if got := suggestedObjectID(descs[0]); got != "b3c4_2" {
		t.Errorf("object id = %q, want b3c4_2", got)
	}
}
