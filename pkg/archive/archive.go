// Package archive implements the fixed-capacity circular record store that
// every node keeps on non-volatile media: a ring of N record slots plus a
// small persisted header holding the write cursor.
package archive

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/asbcorp24/pumnode/pkg/record"
)

// headerSize is the on-disk prefix holding the persisted write cursor
// (Open Question 3: the cursor IS persisted here, see DESIGN.md).
const headerSize = 4

// slotSize is the on-disk footprint of one slot: the 20-byte wire record
// plus a one-byte status field that never travels on the bus.
const slotSize = record.Size + 1

// DefaultStoreBytes is the default size of the record region, sized for one
// working day: at slotSize (21) bytes per slot it holds 195 records.
const DefaultStoreBytes = 4096

// Backing is the non-volatile medium an Archive is built on: a byte-seekable
// read/writer, standing in for flash or a local file. Archive never assumes
// more than ReadAt/WriteAt semantics at a fixed offset.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

// Entry is one archive slot: its index, its record, and whether the bytes at
// that slot decoded as a syntactically valid record.
type Entry struct {
	Index  int
	Record record.Record
	Valid  bool
}

// Archive is a single-writer/single-reader ring buffer of Records backed by
// non-volatile media. Capacity is fixed at construction.
type Archive struct {
	backing Backing
	n       int

	mu sync.Mutex // serializes insertion against the cursor and reader scans
	w  int

	overwrites atomic.Uint64

	halt func(reason string)
}

// Open computes capacity from storeBytes (N = floor(storeBytes/slotSize))
// and recovers the write cursor from the backing header, defaulting to 0 if
// the header has never been written (a fresh or zeroed backing store). halt
// is invoked on any I/O failure against backing, per spec §7's "fatal" policy
// for non-volatile backing errors; it may be nil in tests.
func Open(backing Backing, storeBytes int, halt func(reason string)) (*Archive, error) {
	n := storeBytes / slotSize
	if n <= 0 {
		return nil, fmt.Errorf("archive: storeBytes %d too small for one record (%d bytes)", storeBytes, slotSize)
	}
	if halt == nil {
		halt = func(string) {}
	}
	a := &Archive{backing: backing, n: n, halt: halt}

	var hdr [headerSize]byte
	if _, err := backing.ReadAt(hdr[:], 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("archive: read cursor header: %w", err)
	}
	cursor := binary.BigEndian.Uint32(hdr[:])
	a.w = int(cursor) % n
	return a, nil
}

// Capacity returns N, the number of slots.
func (a *Archive) Capacity() int { return a.n }

// OverwriteCount returns how many insertions have clobbered a still-pending
// slot, the observability counter spec §7 recommends exposing.
func (a *Archive) OverwriteCount() uint64 { return a.overwrites.Load() }

func (a *Archive) slotOffset(i int) int64 {
	return int64(headerSize + i*slotSize)
}

// Add stores rec at the current write cursor with status Pending, advances
// the cursor mod N, and commits both the record and the new cursor to the
// backing store. Insertion is destructive: whatever occupied the slot is
// replaced unconditionally, even if it was still Pending.
func (a *Archive) Add(rec record.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.w
	rec.Status = record.Pending

	if prev, ok := a.readSlot(idx); ok && prev.Status == record.Pending && prev != (record.Record{}) {
		a.overwrites.Add(1)
	}

	payload := rec.Encode()
	slot := make([]byte, record.Size+1)
	copy(slot, payload[:])
	slot[record.Size] = byte(rec.Status)
	if _, err := a.backing.WriteAt(slot, a.slotOffset(idx)); err != nil {
		a.halt(fmt.Sprintf("archive: write slot %d: %v", idx, err))
		return
	}

	a.w = (a.w + 1) % a.n
	a.commitCursor()
}

func (a *Archive) commitCursor() {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(a.w))
	if _, err := a.backing.WriteAt(hdr[:], 0); err != nil {
		a.halt(fmt.Sprintf("archive: write cursor: %v", err))
	}
}

func (a *Archive) readSlot(i int) (record.Record, bool) {
	buf := make([]byte, record.Size+1)
	n, err := a.backing.ReadAt(buf, a.slotOffset(i))
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return record.Record{}, false
	}
	rec, derr := record.Decode(buf[:record.Size])
	if derr != nil {
		return record.Record{}, false
	}
	rec.Status = record.Status(buf[record.Size])
	if !rec.Status.Valid() {
		return record.Record{}, false
	}
	// A zero-initialized slot decodes to Status(0) == Pending, which is
	// valid and intentionally emitted by DumpAll (spec §8 boundary case).
	// NextPending and Add's overwrite count treat an all-zero slot as never
	// written.
	return rec, true
}

// NextPending scans slots 0..N-1 in index order and returns the first whose
// status is Pending. An all-zero slot is treated as never written and
// skipped; a record whose fields are all zero cannot be told apart from one
// and is skipped as well. O(N) by design (spec §4.3: N is small).
func (a *Archive) NextPending() (int, record.Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.n; i++ {
		rec, ok := a.readSlot(i)
		if ok && rec.Status == record.Pending && rec != (record.Record{}) {
			return i, rec, true
		}
	}
	return 0, record.Record{}, false
}

// UpdateStatus overwrites the status byte of slot i and commits it. Calling
// UpdateStatus(i, Sent) twice is idempotent: the second call writes the same
// byte again and has no further effect.
func (a *Archive) UpdateStatus(i int, status record.Status) error {
	if i < 0 || i >= a.n {
		return fmt.Errorf("archive: slot index %d out of range [0,%d)", i, a.n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	off := a.slotOffset(i) + int64(record.Size)
	if _, err := a.backing.WriteAt([]byte{byte(status)}, off); err != nil {
		a.halt(fmt.Sprintf("archive: write status slot %d: %v", i, err))
		return err
	}
	return nil
}

// DumpAll emits every slot whose backing bytes decode as a syntactically
// valid record, in index order. A zero-initialized slot is valid (status
// Pending, all-zero fields) and will be emitted, per spec §4.3.
func (a *Archive) DumpAll(sink func(Entry)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.n; i++ {
		rec, ok := a.readSlot(i)
		sink(Entry{Index: i, Record: rec, Valid: ok})
	}
}
