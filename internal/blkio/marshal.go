package blkio

import (
	"encoding/binary"
	"errors"
)

// ErrInsufficientData is returned when a buffer is too small to hold a request
var ErrInsufficientData = errors.New("insufficient data for block io request")

// Marshal encodes the request into a freshly allocated 40-byte slice
func Marshal(r *BlockIORequest) []byte {
	buf := make([]byte, RequestSize)
	// len(buf) == RequestSize so the encode cannot fail
	_ = MarshalTo(buf, r)
	return buf
}

// MarshalTo encodes the request into dst, which must hold at least
// RequestSize bytes. Used to write ring slots in place.
func MarshalTo(dst []byte, r *BlockIORequest) error {
	if len(dst) < RequestSize {
		return ErrInsufficientData
	}

	binary.LittleEndian.PutUint32(dst[0:4], uint32(r.Status))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(r.Type))
	binary.LittleEndian.PutUint64(dst[8:16], r.BlockID)
	binary.LittleEndian.PutUint64(dst[16:24], r.Buf.Addr)
	binary.LittleEndian.PutUint32(dst[24:28], r.Buf.Len)
	binary.LittleEndian.PutUint32(dst[28:32], r.Buf.Pad)
	binary.LittleEndian.PutUint64(dst[32:40], r.Buf.Cookie)

	return nil
}

// Unmarshal decodes a request from data
func Unmarshal(data []byte, r *BlockIORequest) error {
	if len(data) < RequestSize {
		return ErrInsufficientData
	}

	r.Status = RequestStatus(int32(binary.LittleEndian.Uint32(data[0:4])))
	r.Type = RequestType(binary.LittleEndian.Uint32(data[4:8]))
	r.BlockID = binary.LittleEndian.Uint64(data[8:16])
	r.Buf.Addr = binary.LittleEndian.Uint64(data[16:24])
	r.Buf.Len = binary.LittleEndian.Uint32(data[24:28])
	r.Buf.Pad = binary.LittleEndian.Uint32(data[28:32])
	r.Buf.Cookie = binary.LittleEndian.Uint64(data[32:40])

	return nil
}
