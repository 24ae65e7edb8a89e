// Package timer holds the message schema of the timer service that runs
// alongside the block driver. It shares nothing with the driver core.
//
// Messages are encoded as a tag byte followed by unsigned varints.
package timer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Microseconds is a duration or timestamp in microseconds
type Microseconds = uint64

// Kind tags a Request
type Kind uint8

const (
	KindNow          Kind = 0
	KindSetTimeout   Kind = 1
	KindClearTimeout Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindNow:
		return "Now"
	case KindSetTimeout:
		return "SetTimeout"
	case KindClearTimeout:
		return "ClearTimeout"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

var (
	// ErrShort is returned when a message ends early
	ErrShort = errors.New("timer: message truncated")

	// ErrUnknownKind is returned for an unrecognised tag
	ErrUnknownKind = errors.New("timer: unknown request kind")

	// ErrTrailing is returned when bytes follow a complete message
	ErrTrailing = errors.New("timer: trailing bytes")
)

// Request is a message to the timer service. RelativeMicros is only
// meaningful for KindSetTimeout.
type Request struct {
	Kind           Kind
	RelativeMicros Microseconds
}

// Now asks for the current time
func Now() Request {
	return Request{Kind: KindNow}
}

// SetTimeout arms a one-shot timeout d from now
func SetTimeout(d time.Duration) Request {
	if d < 0 {
		d = 0
	}
	return Request{Kind: KindSetTimeout, RelativeMicros: Microseconds(d / time.Microsecond)}
}

// ClearTimeout disarms a pending timeout
func ClearTimeout() Request {
	return Request{Kind: KindClearTimeout}
}

// Timeout returns the relative timeout of a KindSetTimeout request
func (r Request) Timeout() time.Duration {
	return time.Duration(r.RelativeMicros) * time.Microsecond
}

// AppendBinary appends the encoding of r to b
func (r Request) AppendBinary(b []byte) ([]byte, error) {
	switch r.Kind {
	case KindNow, KindClearTimeout:
		return append(b, byte(r.Kind)), nil
	case KindSetTimeout:
		b = append(b, byte(r.Kind))
		return binary.AppendUvarint(b, r.RelativeMicros), nil
	default:
		return b, fmt.Errorf("%w: %d", ErrUnknownKind, r.Kind)
	}
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r Request) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, 1+binary.MaxVarintLen64))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *Request) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return ErrShort
	}

	kind := Kind(data[0])
	rest := data[1:]
	var micros uint64

	switch kind {
	case KindNow, KindClearTimeout:
	case KindSetTimeout:
		v, n := binary.Uvarint(rest)
		if n == 0 {
			return ErrShort
		}
		if n < 0 {
			return fmt.Errorf("timer: relative_micros overflows 64 bits")
		}
		micros = v
		rest = rest[n:]
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}

	if len(rest) != 0 {
		return fmt.Errorf("%w: %d", ErrTrailing, len(rest))
	}
	r.Kind = kind
	r.RelativeMicros = micros
	return nil
}

func (r Request) String() string {
	if r.Kind == KindSetTimeout {
		return fmt.Sprintf("SetTimeout{relative_micros: %d}", r.RelativeMicros)
	}
	return r.Kind.String()
}

// NowResponse answers a Now request
type NowResponse struct {
	Micros Microseconds
}

// Time returns the response as a duration since the timer's epoch
func (r NowResponse) Time() time.Duration {
	return time.Duration(r.Micros) * time.Microsecond
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r NowResponse) MarshalBinary() ([]byte, error) {
	return binary.AppendUvarint(nil, r.Micros), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *NowResponse) UnmarshalBinary(data []byte) error {
	v, n := binary.Uvarint(data)
	switch {
	case n == 0:
		return ErrShort
	case n < 0:
		return fmt.Errorf("timer: micros overflows 64 bits")
	case n != len(data):
		return fmt.Errorf("%w: %d", ErrTrailing, len(data)-n)
	}
	r.Micros = v
	return nil
}
