package client

import (
	"context"
	"testing"
	"time"

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

type fakeReader struct {
	ids []string
}

func (f *fakeReader) Available() bool { return len(f.ids) > 0 }

func (f *fakeReader) Read() (string, error) {
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeSensor struct {
	volume, ec float32
	updates    int
	resets     int
}

func (s *fakeSensor) Reset()          { s.resets++; s.volume, s.ec = 0, 0 }
func (s *fakeSensor) Update()         { s.updates++; s.volume += 0.1 }
func (s *fakeSensor) VolumeL() float32 { return s.volume }
func (s *fakeSensor) FlowLps() float32 { return 0 }
func (s *fakeSensor) EC() float32      { return s.ec }

type fakeSender struct {
	frames [][]byte
	fail   bool
}

func (f *fakeSender) SendRaw(payload []byte) error {
	if f.fail {
		return errSendFailed
	}
	f.frames = append(f.frames, append([]byte(nil), payload...))
	return nil
}

type sendFailedError struct{}

func (sendFailedError) Error() string { return "send failed" }

var errSendFailed = sendFailedError{}

type noopDisplay struct{ lines []string }

func (d *noopDisplay) ShowLine(line string) { d.lines = append(d.lines, line) }

func newTestClient(t *testing.T, reader *fakeReader, sensor *fakeSensor, sender *fakeSender, disp *noopDisplay) *Client {
	t.Helper()
	backing := &memBacking{buf: make([]byte, 4+5*21)}
	arc, err := archive.Open(backing, len(backing.buf), nil)
	if err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	return New(7, sender, reader, sensor, arc, disp)
}

func TestClientFullCycle(t *testing.T) {
	reader := &fakeReader{ids: []string{"1000042"}}
	sensor := &fakeSensor{}
	sender := &fakeSender{}
	disp := &noopDisplay{}
	c := newTestClient(t, reader, sensor, sender, disp)
	c.MeasureIterations = 3
	c.MeasurePeriod = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < c.MeasureIterations+10 && (i == 0 || c.state != StateIdle); i++ {
		c.step(ctx)
	}

	if len(sender.frames) == 0 {
		t.Fatal("expected one frame sent")
	}
	rec, err := record.Decode(sender.frames[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec.ClientID != 7 || rec.CowID != 1000042 {
		t.Fatalf("rec = %+v, want ClientID=7 CowID=1000042", rec)
	}
	if sensor.resets != 1 {
		t.Fatalf("resets = %d, want 1", sensor.resets)
	}
}

func TestSendingDisplaysDisconnectOnBusDown(t *testing.T) {
	reader := &fakeReader{}
	sensor := &fakeSensor{}
	sender := &fakeSender{fail: true}
	disp := &noopDisplay{}
	c := newTestClient(t, reader, sensor, sender, disp)
	c.state = StateSending
	c.Archive.Add(record.Record{ClientID: 7, CowID: 1, Timestamp: 1, Volume: 1, EC: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.runSending(ctx)

	if c.state != StateSending {
		t.Fatalf("state = %v, want SENDING to stay on bus failure", c.state)
	}
	found := false
	for _, l := range disp.lines {
		if l == "RS485 disconnected" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected RS485 disconnected display line")
	}
}

func TestSendingGoesIdleWhenNothingPending(t *testing.T) {
	reader := &fakeReader{}
	sensor := &fakeSensor{}
	sender := &fakeSender{}
	disp := &noopDisplay{}
	c := newTestClient(t, reader, sensor, sender, disp)
	c.state = StateSending

	c.runSending(context.Background())

	if c.state != StateIdle {
		t.Fatalf("state = %v, want IDLE when nothing pending", c.state)
	}
}
