// Package virtio holds the virtio-blk native request and response
// descriptors handed to a device transport, and the token type that
// correlates a submission with its completion.
package virtio

import (
	"fmt"
	"unsafe"
)

// Token identifies an outstanding device operation. Tokens are unique among
// operations that have been submitted and not yet finalized.
type Token uint16

// ReqType is the virtio-blk request type
type ReqType uint32

const (
	ReqTypeIn          ReqType = 0  // read
	ReqTypeOut         ReqType = 1  // write
	ReqTypeFlush       ReqType = 4  // flush
	ReqTypeGetID       ReqType = 8  // get device id
	ReqTypeDiscard     ReqType = 11 // discard
	ReqTypeWriteZeroes ReqType = 13 // write zeroes
)

func (t ReqType) String() string {
	switch t {
	case ReqTypeIn:
		return "IN"
	case ReqTypeOut:
		return "OUT"
	case ReqTypeFlush:
		return "FLUSH"
	case ReqTypeGetID:
		return "GET_ID"
	case ReqTypeDiscard:
		return "DISCARD"
	case ReqTypeWriteZeroes:
		return "WRITE_ZEROES"
	default:
		return fmt.Sprintf("TYPE_%d", uint32(t))
	}
}

// BlkReq is the device-readable request header (16 bytes)
//
//	struct virtio_blk_req {
//	  le32 type;
//	  le32 reserved;
//	  le64 sector;
//	};
type BlkReq struct {
	Type     ReqType
	Reserved uint32
	Sector   uint64
}

// Compile-time size check
var _ [16]byte = [unsafe.Sizeof(BlkReq{})]byte{}

// RespStatus is the device-written status byte
type RespStatus uint8

const (
	RespStatusOK          RespStatus = 0
	RespStatusIOErr       RespStatus = 1
	RespStatusUnsupported RespStatus = 2

	// RespStatusNotReady is the value a response holds before the device
	// writes it.
	RespStatusNotReady RespStatus = 3
)

func (s RespStatus) String() string {
	switch s {
	case RespStatusOK:
		return "OK"
	case RespStatusIOErr:
		return "IOERR"
	case RespStatusUnsupported:
		return "UNSUPP"
	case RespStatusNotReady:
		return "NOT_READY"
	default:
		return fmt.Sprintf("STATUS_%d", uint8(s))
	}
}

// BlkResp is the device-writable response footer
type BlkResp struct {
	Status RespStatus
}

// NewBlkResp returns a response the device has not written yet
func NewBlkResp() BlkResp {
	return BlkResp{Status: RespStatusNotReady}
}

// Reset restores the not-ready state
func (r *BlkResp) Reset() {
	r.Status = RespStatusNotReady
}
