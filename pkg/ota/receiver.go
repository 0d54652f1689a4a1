package ota

import (
	"fmt"
	"io"
	"log"
)

// ReceiverState is the OTA receiver's state machine position (spec §4.9).
type ReceiverState int

const (
	StateIdle ReceiverState = iota
	StateReceiving
)

func (s ReceiverState) String() string {
	if s == StateReceiving {
		return "RECEIVING"
	}
	return "IDLE"
}

// Staging is the file-backed buffer the receiver writes chunks into. A real
// node backs this with *os.File; tests use an in-memory double.
type Staging interface {
	io.WriterAt
	io.ReaderAt
	Close() error
}

// Bootloader is the external collaborator the receiver hands a completed
// image to (spec §1: named interface only). Commit validates and installs
// the image; Reboot performs the unilateral teardown spec §5 calls out as
// the only one in the system.
type Bootloader interface {
	Commit(image io.ReaderAt, size int64) error
	Reboot()
}

// Receiver reassembles Header/Chunk frames into a staging file and commits
// it to the bootloader on completion.
type Receiver struct {
	openStaging func() (Staging, error)
	bootloader  Bootloader

	state    ReceiverState
	header   Header
	received uint16

	staging Staging

	// awaitingChunk, when non-nil, means the next frame this Receiver
	// sees — whatever its shape — is the raw body of that chunk, not a
	// frame to classify. This is how the protocol's frame-type
	// multiplexing ambiguity (spec §9 Open Question 1) is resolved on
	// the receive side: the body frame is consumed positionally, never
	// by inspecting its bytes.
	awaitingChunk *ChunkHeader
}

// NewReceiver constructs a Receiver. openStaging is called each time a new
// OTA session starts (on the first Header, and again if a Header arrives
// mid-session, which resets it).
func NewReceiver(openStaging func() (Staging, error), bootloader Bootloader) *Receiver {
	return &Receiver{openStaging: openStaging, bootloader: bootloader, state: StateIdle}
}

// State returns the receiver's current state.
func (r *Receiver) State() ReceiverState { return r.state }

// AwaitingChunkBody reports whether the very next frame handed to this
// Receiver must go to HandleChunkBody rather than through classification
// and HandleHeader/HandleChunkHeader.
func (r *Receiver) AwaitingChunkBody() bool { return r.awaitingChunk != nil }

// HandleHeader processes a Header frame. In IDLE it starts a new session;
// in RECEIVING it aborts the current session and starts a fresh one with
// the new Header, per spec §4.9 and the idempotence property in spec §8.
func (r *Receiver) HandleHeader(h Header) error {
	if r.staging != nil {
		r.staging.Close()
		r.staging = nil
	}
	r.awaitingChunk = nil

	staging, err := r.openStaging()
	if err != nil {
		r.state = StateIdle
		return fmt.Errorf("ota: open staging file: %w", err)
	}

	r.staging = staging
	r.header = h
	r.received = 0
	r.state = StateReceiving
	log.Printf("ota: receiver session started: %d bytes, %d chunks of %d", h.TotalSize, h.TotalChunks, h.ChunkSize)
	return nil
}

// HandleChunkHeader processes a Chunk announcement frame. Any Chunk seen in
// IDLE is dropped, per spec §4.9.
func (r *Receiver) HandleChunkHeader(ch ChunkHeader) {
	if r.state != StateReceiving {
		log.Printf("ota: dropping chunk header %d received in IDLE", ch.Index)
		return
	}
	c := ch
	r.awaitingChunk = &c
}

// HandleChunkBody writes the raw bytes of the chunk most recently announced
// by HandleChunkHeader. Calling it when AwaitingChunkBody is false is a
// programming error in the caller (the bus-ingest loop) and is a no-op here.
//
// Completed reports whether this call finished the session; ok reports
// whether the image was successfully committed to the bootloader (only
// meaningful when completed is true).
func (r *Receiver) HandleChunkBody(payload []byte) (completed bool, ok bool, err error) {
	if r.awaitingChunk == nil || r.state != StateReceiving {
		return false, false, nil
	}
	ch := *r.awaitingChunk
	r.awaitingChunk = nil

	if int(ch.Length) != len(payload) {
		return false, false, fmt.Errorf("ota: chunk %d announced %d bytes, body has %d", ch.Index, ch.Length, len(payload))
	}

	offset := int64(ch.Index) * int64(r.header.ChunkSize)
	if _, err := r.staging.WriteAt(payload, offset); err != nil {
		r.abort()
		return false, false, fmt.Errorf("ota: write chunk %d: %w", ch.Index, err)
	}
	r.received++

	if r.received < r.header.TotalChunks {
		return false, false, nil
	}

	return true, r.commit(), nil
}

// commit hands the completed staging file to the bootloader. On success it
// reboots; on failure the receiver returns to IDLE and the node remains on
// its current firmware, per spec §4.9/§7.
func (r *Receiver) commit() bool {
	staging := r.staging
	size := int64(r.header.TotalSize)
	r.staging = nil
	r.state = StateIdle

	if err := r.bootloader.Commit(staging, size); err != nil {
		log.Printf("ota: bootloader commit failed, remaining on current firmware: %v", err)
		staging.Close()
		return false
	}
	staging.Close()
	r.bootloader.Reboot()
	return true
}

// abort drops the in-flight session without committing, e.g. on a staging
// write failure.
func (r *Receiver) abort() {
	if r.staging != nil {
		r.staging.Close()
		r.staging = nil
	}
	r.awaitingChunk = nil
	r.state = StateIdle
}
