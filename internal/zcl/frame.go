package zcl

import (
	"encoding/binary"
	"fmt"
)

// Frame control bits.
const (
	FrameTypeGlobal          uint8 = 0x00
	FrameTypeClusterSpecific uint8 = 0x01
	frameTypeMask            uint8 = 0x03

	FrameManufacturerSpecific   uint8 = 0x04
	FrameDirectionToClient      uint8 = 0x08
	FrameDisableDefaultResponse uint8 = 0x10
)

// Header is a ZCL frame header.
type Header struct {
	FrameControl     uint8
	ManufacturerCode uint16
	TSN              uint8
	CommandID        uint8
}

// NewHeader builds a client-to-server header. general selects a foundation
// (profile-wide) command instead of a cluster-specific one.
func NewHeader(general bool, tsn, commandID uint8) Header {
	fc := FrameTypeClusterSpecific
	if general {
		fc = FrameTypeGlobal
	}
	return Header{FrameControl: fc, TSN: tsn, CommandID: commandID}
}

// IsGeneral reports whether the frame carries a foundation command.
func (h Header) IsGeneral() bool {
	return h.FrameControl&frameTypeMask == FrameTypeGlobal
}

// IsManufacturerSpecific reports whether a manufacturer code is present.
func (h Header) IsManufacturerSpecific() bool {
	return h.FrameControl&FrameManufacturerSpecific != 0
}

// Encode serializes the header.
func (h Header) Encode() []byte {
	buf := []byte{h.FrameControl}
	if h.IsManufacturerSpecific() {
		buf = binary.LittleEndian.AppendUint16(buf, h.ManufacturerCode)
	}
	return append(buf, h.TSN, h.CommandID)
}

// ParseHeader decodes a ZCL header and returns the remaining payload.
func ParseHeader(frame []byte) (Header, []byte, error) {
	var h Header
	if len(frame) < 3 {
		return h, nil, fmt.Errorf("zcl: frame too short: %d bytes", len(frame))
	}
	h.FrameControl = frame[0]
	rest := frame[1:]
	if h.IsManufacturerSpecific() {
		if len(rest) < 4 {
			return h, nil, fmt.Errorf("zcl: manufacturer-specific frame too short")
		}
		h.ManufacturerCode = binary.LittleEndian.Uint16(rest)
		rest = rest[2:]
	}
	h.TSN = rest[0]
	h.CommandID = rest[1]
	return h, rest[2:], nil
}

// AttributeRecord is one attribute in a Report Attributes or Read Attributes
// Response payload. Status is only meaningful for read responses.
type AttributeRecord struct {
	AttrID   uint16
	Status   Status
	DataType uint8
	Value    any
}

// EncodeReportRecords serializes Report Attributes records.
func EncodeReportRecords(records []AttributeRecord) ([]byte, error) {
	var buf []byte
	for _, r := range records {
		val, err := EncodeValue(r.DataType, r.Value)
		if err != nil {
			return nil, fmt.Errorf("encode attr 0x%04X: %w", r.AttrID, err)
		}
		buf = binary.LittleEndian.AppendUint16(buf, r.AttrID)
		buf = append(buf, r.DataType)
		buf = append(buf, val...)
	}
	return buf, nil
}

// ParseReportRecords decodes a Report Attributes payload.
func ParseReportRecords(payload []byte) ([]AttributeRecord, error) {
	var records []AttributeRecord
	for len(payload) > 0 {
		if len(payload) < 3 {
			return records, fmt.Errorf("zcl: truncated report record")
		}
		r := AttributeRecord{
			AttrID:   binary.LittleEndian.Uint16(payload),
			DataType: payload[2],
		}
		val, n, err := DecodeValue(r.DataType, payload[3:])
		if err != nil {
			return records, fmt.Errorf("attr 0x%04X: %w", r.AttrID, err)
		}
		r.Value = val
		records = append(records, r)
		payload = payload[3+n:]
	}
	return records, nil
}

// ParseReadResponseRecords decodes a Read Attributes Response payload.
// Records with a non-success status carry no type or value.
func ParseReadResponseRecords(payload []byte) ([]AttributeRecord, error) {
	var records []AttributeRecord
	for len(payload) > 0 {
		if len(payload) < 3 {
			return records, fmt.Errorf("zcl: truncated read response record")
		}
		r := AttributeRecord{
			AttrID: binary.LittleEndian.Uint16(payload),
			Status: Status(payload[2]),
		}
		payload = payload[3:]
		if r.Status != StatusSuccess {
			records = append(records, r)
			continue
		}
		if len(payload) < 1 {
			return records, fmt.Errorf("attr 0x%04X: missing data type", r.AttrID)
		}
		r.DataType = payload[0]
		val, n, err := DecodeValue(r.DataType, payload[1:])
		if err != nil {
			return records, fmt.Errorf("attr 0x%04X: %w", r.AttrID, err)
		}
		r.Value = val
		records = append(records, r)
		payload = payload[1+n:]
	}
	return records, nil
}

// ParseDefaultResponse decodes a Default Response payload.
func ParseDefaultResponse(payload []byte) (commandID uint8, status Status, err error) {
	if len(payload) < 2 {
		return 0, 0, fmt.Errorf("zcl: default response too short")
	}
	return payload[0], Status(payload[1]), nil
}
