// Package record implements the 20-byte wire encoding for one milking record.
package record

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Size is the fixed on-wire and on-disk length of an encoded Record.
const Size = 20

// Status is the lifecycle state of a Record slot in the archive.
type Status uint8

const (
	Pending Status = 0
	Sent    Status = 1
	Error   Status = 2
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the three defined status values.
func (s Status) Valid() bool {
	return s == Pending || s == Sent || s == Error
}

// Record is one milking event: who measured it, which animal, how much milk,
// and whether it has been delivered off-node.
type Record struct {
	ClientID  uint32
	CowID     uint32
	Timestamp uint32
	Volume    float32
	EC        float32
	Status    Status
}

// Encode serializes r into the fixed 20-byte wire layout:
//
//	client_id  big-endian u32
//	cow_id     big-endian u32
//	volume     little-endian f32 memory image
//	timestamp  big-endian u32
//	ec         little-endian f32 memory image
//
// The status byte is not part of the 20-byte wire payload; it lives only in
// the archive's per-slot storage (see pkg/archive).
func (r Record) Encode() [Size]byte {
	var buf [Size]byte
	binary.BigEndian.PutUint32(buf[0:4], r.ClientID)
	binary.BigEndian.PutUint32(buf[4:8], r.CowID)
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(r.Volume))
	binary.BigEndian.PutUint32(buf[12:16], r.Timestamp)
	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(r.EC))
	return buf
}

// Decode is the inverse of Encode. It returns an error if b is not exactly
// Size bytes long; a LEN != 20 frame is not a record (spec §4.2) and callers
// must not call Decode on it.
func Decode(b []byte) (Record, error) {
	if len(b) != Size {
		return Record{}, fmt.Errorf("record: payload length %d, want %d", len(b), Size)
	}
	return Record{
		ClientID:  binary.BigEndian.Uint32(b[0:4]),
		CowID:     binary.BigEndian.Uint32(b[4:8]),
		Volume:    math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
		Timestamp: binary.BigEndian.Uint32(b[12:16]),
		EC:        math.Float32frombits(binary.LittleEndian.Uint32(b[16:20])),
	}, nil
}
