package ota

import "github.com/fxamacker/cbor/v2"

// sessionSnapshot is an operator-facing, human-debuggable view of an
// in-flight receive session. It is never on the hot path: OTA framing on
// the wire stays the little-endian binary layout of spec §4.8/§4.9
// regardless of how an operator chooses to inspect a stuck session.
type sessionSnapshot struct {
	State       string `cbor:"state"`
	TotalSize   uint32 `cbor:"total_size"`
	ChunkSize   uint16 `cbor:"chunk_size"`
	TotalChunks uint16 `cbor:"total_chunks"`
	Received    uint16 `cbor:"received"`
}

// DumpSession encodes the receiver's current session state as CBOR, for an
// operator debugging a stalled OTA rollout.
func (r *Receiver) DumpSession() ([]byte, error) {
	snap := sessionSnapshot{
		State:       r.state.String(),
		TotalSize:   r.header.TotalSize,
		ChunkSize:   r.header.ChunkSize,
		TotalChunks: r.header.TotalChunks,
		Received:    r.received,
	}
	return cbor.Marshal(snap)
}
