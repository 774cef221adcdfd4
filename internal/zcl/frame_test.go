package zcl

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader(false, 0x2A, 0x01)
	if h.IsGeneral() {
		t.Error("cluster-specific header reported as general")
	}
	frame := append(h.Encode(), 0xAB)
	if !bytes.Equal(frame, []byte{0x01, 0x2A, 0x01, 0xAB}) {
		t.Fatalf("frame = %X", frame)
	}

	got, payload, err := ParseHeader(frame)
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Errorf("parsed %+v, want %+v", got, h)
	}
	if !bytes.Equal(payload, []byte{0xAB}) {
		t.Errorf("payload = %X", payload)
	}
}

func TestHeaderManufacturerSpecific(t *testing.T) {
	h := Header{FrameControl: FrameManufacturerSpecific | FrameTypeGlobal, ManufacturerCode: 0x115F, TSN: 3, CommandID: FoundationReportAttributes}
	got, payload, err := ParseHeader(h.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got.ManufacturerCode != 0x115F || !got.IsGeneral() || got.CommandID != FoundationReportAttributes {
		t.Errorf("parsed %+v", got)
	}
	if len(payload) != 0 {
		t.Errorf("payload = %X, want empty", payload)
	}

	if _, _, err := ParseHeader([]byte{FrameManufacturerSpecific, 0x5F, 0x11}); err == nil {
		t.Error("expected error for truncated manufacturer header")
	}
}

func TestParseHeaderTooShort(t *testing.T) {
	if _, _, err := ParseHeader([]byte{0x00, 0x01}); err == nil {
		t.Error("expected error")
	}
}

func TestReportRecords(t *testing.T) {
	in := []AttributeRecord{
		{AttrID: 0x0000, DataType: TypeEnum8, Value: uint8(1)},
		{AttrID: 0x0021, DataType: TypeUint8, Value: uint8(200)},
	}
	payload, err := EncodeReportRecords(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := ParseReportRecords(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d records, want 2", len(out))
	}
	if out[0].AttrID != 0 || out[0].Value != uint8(1) {
		t.Errorf("record 0 = %+v", out[0])
	}
	if out[1].AttrID != 0x21 || out[1].Value != uint8(200) {
		t.Errorf("record 1 = %+v", out[1])
	}
}

func TestParseReportRecordsTruncated(t *testing.T) {
	if _, err := ParseReportRecords([]byte{0x00, 0x00}); err == nil {
		t.Error("expected error")
	}
}

func TestParseReadResponseRecords(t *testing.T) {
	payload := []byte{
		0x00, 0x00, 0x00, TypeEnum8, 0x02, // LockState = 2
		0x03, 0x00, byte(StatusUnsupportedAttr), // DoorState unsupported
		0x05, 0x00, 0x00, TypeCharStr, 0x03, 'a', 'b', 'c',
	}
	recs, err := ParseReadResponseRecords(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].Value != uint8(2) {
		t.Errorf("LockState = %v", recs[0].Value)
	}
	if recs[1].Status != StatusUnsupportedAttr || recs[1].Value != nil {
		t.Errorf("record 1 = %+v", recs[1])
	}
	if recs[2].Value != "abc" {
		t.Errorf("record 2 = %+v", recs[2])
	}
}

func TestParseDefaultResponse(t *testing.T) {
	cmd, status, err := ParseDefaultResponse([]byte{0x01, byte(StatusFailure)})
	if err != nil {
		t.Fatal(err)
	}
	if cmd != 0x01 || status != StatusFailure {
		t.Errorf("got cmd=%d status=%s", cmd, status)
	}
	if _, _, err := ParseDefaultResponse([]byte{0x01}); err == nil {
		t.Error("expected error for short payload")
	}
}

func TestStatusString(t *testing.T) {
	if StatusSuccess.String() != "SUCCESS" {
		t.Errorf("got %s", StatusSuccess)
	}
	if Status(0x42).String() != "0x42" {
		t.Errorf("got %s", Status(0x42))
	}
}
