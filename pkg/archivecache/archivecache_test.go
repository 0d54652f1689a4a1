package archivecache

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/asbcorp24/pumnode/pkg/archive"
	"github.com/asbcorp24/pumnode/pkg/record"
)

type memBacking struct{ buf []byte }

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	need := int(off) + len(p)
	if need > len(m.buf) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func TestExportWithoutCache(t *testing.T) {
	backing := &memBacking{buf: make([]byte, 4+5*21)}
	arc, err := archive.Open(backing, len(backing.buf), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	arc.Add(record.Record{ClientID: 7, CowID: 42, Timestamp: 1000, Volume: 3.5, EC: 5.1})

	e := New(arc, nil, 0)
	body, err := e.Export(context.Background())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	var entries []ExportEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("len(entries) = %d, want 5", len(entries))
	}
	if entries[0].ClientID != 7 || entries[0].CowID != 42 {
		t.Fatalf("entries[0] = %+v, want client/cow 7/42", entries[0])
	}
}
