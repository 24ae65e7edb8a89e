package blkio

import (
	"encoding/binary"
	"testing"
)

func TestRequestLayout(t *testing.T) {
	req := NewRead(5, 0x4000_1000, 512, 0xdeadbeef)
	buf := Marshal(&req)

	if len(buf) != RequestSize {
		t.Fatalf("encoded size = %d, want %d", len(buf), RequestSize)
	}

	// Spot-check field offsets against the wire layout
	if got := binary.LittleEndian.Uint32(buf[4:8]); got != uint32(TypeRead) {
		t.Errorf("type at offset 4 = %d, want %d", got, TypeRead)
	}
	if got := binary.LittleEndian.Uint64(buf[8:16]); got != 5 {
		t.Errorf("block id at offset 8 = %d, want 5", got)
	}
	if got := binary.LittleEndian.Uint64(buf[16:24]); got != 0x4000_1000 {
		t.Errorf("addr at offset 16 = 0x%x, want 0x40001000", got)
	}
	if got := binary.LittleEndian.Uint32(buf[24:28]); got != 512 {
		t.Errorf("len at offset 24 = %d, want 512", got)
	}
	if got := binary.LittleEndian.Uint64(buf[32:40]); got != 0xdeadbeef {
		t.Errorf("cookie at offset 32 = 0x%x, want 0xdeadbeef", got)
	}
}

func TestStatusSurvivesEncoding(t *testing.T) {
	req := NewRead(1, 0, 4096, 7).Complete(StatusIOError)

	var out BlockIORequest
	if err := Unmarshal(Marshal(&req), &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != req {
		t.Errorf("decoded %+v, want %+v", out, req)
	}
}

func TestShortBuffers(t *testing.T) {
	req := NewRead(0, 0, 512, 0)

	if err := MarshalTo(make([]byte, RequestSize-1), &req); err != ErrInsufficientData {
		t.Errorf("MarshalTo short buffer: got %v, want ErrInsufficientData", err)
	}

	var out BlockIORequest
	if err := Unmarshal(make([]byte, 8), &out); err != ErrInsufficientData {
		t.Errorf("Unmarshal short buffer: got %v, want ErrInsufficientData", err)
	}
}

func TestStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{TypeRead.String(), "READ"},
		{TypeWrite.String(), "WRITE"},
		{RequestType(9).String(), "OP_9"},
		{StatusOk.String(), "ok"},
		{StatusIOError.String(), "io_error"},
		{RequestStatus(-1).String(), "status(-1)"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
