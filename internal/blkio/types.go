// Package blkio defines the block I/O request record exchanged between the
// driver and its client on the shared request and completion rings.
package blkio

import (
	"fmt"
	"unsafe"
)

// RequestStatus is the status field of a BlockIORequest.
//
// A request travels on the request ring with StatusPending and comes back on
// the completion ring with StatusOk or StatusIOError.
type RequestStatus int32

const (
	StatusPending RequestStatus = 0 // not completed yet
	StatusOk      RequestStatus = 1 // completed successfully
	StatusIOError RequestStatus = 2 // device reported an error
)

func (s RequestStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOk:
		return "ok"
	case StatusIOError:
		return "io_error"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// RequestType is the operation kind of a BlockIORequest
type RequestType uint32

const (
	TypeRead  RequestType = 0
	TypeWrite RequestType = 1
)

func (t RequestType) String() string {
	switch t {
	case TypeRead:
		return "READ"
	case TypeWrite:
		return "WRITE"
	default:
		return fmt.Sprintf("OP_%d", uint32(t))
	}
}

// Buffer describes a buffer inside the DMA region shared between client and
// driver. Addr is an absolute address in the client's frame of reference.
//
//	struct buffer {
//	  u64 encoded_addr;   // absolute address inside the client DMA region
//	  u32 len;            // length in bytes
//	  u32 pad;            // reserved, must be zero
//	  u64 cookie;         // opaque to the driver, echoed back to the client
//	};
type Buffer struct {
	Addr   uint64 // encoded address
	Len    uint32 // length in bytes
	Pad    uint32 // padding
	Cookie uint64 // client correlation value
}

// Compile-time size check
var _ [24]byte = [unsafe.Sizeof(Buffer{})]byte{}

// BlockIORequest is one slot of the request or completion ring (40 bytes).
//
//	struct block_io_request {
//	  i32 status;         // pending / ok / io_error
//	  u32 ty;             // read / write
//	  u64 block_id;       // 512-byte sector index on the device
//	  struct buffer buf;  // see above
//	};
type BlockIORequest struct {
	Status  RequestStatus
	Type    RequestType
	BlockID uint64
	Buf     Buffer
}

// Compile-time size check - must match the ring slot size
var _ [RequestSize]byte = [unsafe.Sizeof(BlockIORequest{})]byte{}

// RequestSize is the encoded size of a BlockIORequest in bytes
const RequestSize = 40

// NewRead builds a pending read request
func NewRead(blockID uint64, addr uint64, length uint32, cookie uint64) BlockIORequest {
	return BlockIORequest{
		Status:  StatusPending,
		Type:    TypeRead,
		BlockID: blockID,
		Buf: Buffer{
			Addr:   addr,
			Len:    length,
			Cookie: cookie,
		},
	}
}

// Complete returns a copy of the request carrying the given status
func (r BlockIORequest) Complete(status RequestStatus) BlockIORequest {
	r.Status = status
	return r
}

func (r BlockIORequest) String() string {
	return fmt.Sprintf("%s block=%d addr=0x%x len=%d status=%s",
		r.Type, r.BlockID, r.Buf.Addr, r.Buf.Len, r.Status)
}
