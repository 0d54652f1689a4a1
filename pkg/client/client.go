// Package client implements the Client role's state machine (spec §4.7):
// IDLE → SCANNING → MEASURING → SENDING → IDLE, driven by one goroutine's
// poll loop.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/asbcorp24/pumnode/pkg/acquire"
	"github.com/asbcorp24/pumnode/pkg/archive"
	"github.com/asbcorp24/pumnode/pkg/display"
	"github.com/asbcorp24/pumnode/pkg/record"
	"github.com/asbcorp24/pumnode/pkg/rfid"
)

// State is the client pipeline's position in the IDLE/SCANNING/MEASURING/
// SENDING cycle.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateMeasuring
	StateSending
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "SCANNING"
	case StateMeasuring:
		return "MEASURING"
	case StateSending:
		return "SENDING"
	default:
		return "IDLE"
	}
}

// MeasureIterations and MeasurePeriod are the design-default bounded-loop
// measurement parameters (spec §4.7): 50 × 100ms = 5s.
const (
	MeasureIterations = 50
	MeasurePeriod     = 100 * time.Millisecond
)

// PollPeriod is how often the IDLE state checks for a new scan.
const PollPeriod = 100 * time.Millisecond

// SendRetryPeriod is the wait before SENDING retries when the bus is down
// (spec §4.7: "retry after 500 ms").
const SendRetryPeriod = 500 * time.Millisecond

// FrameSender is the subset of pkg/bus.Bus the SENDING state needs.
type FrameSender interface {
	SendRaw(payload []byte) error
}

// Client drives the per-node measurement cycle for one Client-role node.
type Client struct {
	ClientID uint32
	Bus      FrameSender
	RFID     rfid.Reader
	Sensor   acquire.Source
	Archive  *archive.Archive
	Display  display.Display

	// BusUp reports whether the RS-485 bus is currently usable for a send;
	// nil means "always up" (Bus.SendRaw's own error is the only signal).
	BusUp func() bool

	// MeasureIterations and MeasurePeriod override the bounded-loop
	// measurement defaults (spec §4.7's "design-default" wording permits
	// this); New sets both to the package defaults.
	MeasureIterations int
	MeasurePeriod     time.Duration

	state State
	cowID uint32
}

// New constructs a Client in state IDLE. disp may be nil, in which case a
// LogDisplay is used.
func New(clientID uint32, bus FrameSender, reader rfid.Reader, sensor acquire.Source, arc *archive.Archive, disp display.Display) *Client {
	if disp == nil {
		disp = display.LogDisplay{}
	}
	return &Client{
		ClientID: clientID, Bus: bus, RFID: reader, Sensor: sensor, Archive: arc, Display: disp,
		state:             StateIdle,
		MeasureIterations: MeasureIterations,
		MeasurePeriod:     MeasurePeriod,
	}
}

// State returns the client's current pipeline state.
func (c *Client) State() State { return c.state }

// now is the package-level clock buildRecord stamps records with; tests may
// replace it so timestamps are deterministic.
var now = func() uint32 { return uint32(time.Now().Unix()) }

// Run drives the state machine until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.step(ctx)
	}
}

// step advances the state machine by exactly one transition (spec §4.7's
// table), sleeping as each row's action requires.
func (c *Client) step(ctx context.Context) {
	switch c.state {
	case StateIdle:
		c.runIdle(ctx)
	case StateScanning:
		c.runScanning()
	case StateMeasuring:
		c.runMeasuring(ctx)
	case StateSending:
		c.runSending(ctx)
	}
}

func (c *Client) runIdle(ctx context.Context) {
	if c.RFID.Available() {
		id, err := c.RFID.Read()
		if err == nil {
			c.cowID = parseCowID(id)
			c.Display.ShowLine(fmt.Sprintf("RFID: %s", id))
			c.state = StateScanning
			return
		}
	}
	sleep(ctx, PollPeriod)
}

func (c *Client) runScanning() {
	c.Sensor.Reset()
	c.state = StateMeasuring
}

func (c *Client) runMeasuring(ctx context.Context) {
	for i := 0; i < c.MeasureIterations; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.Sensor.Update()
		sleep(ctx, c.MeasurePeriod)
	}
	c.state = StateSending
	c.buildRecord()
}

func (c *Client) buildRecord() {
	rec := record.Record{
		ClientID:  c.ClientID,
		CowID:     c.cowID,
		Timestamp: now(),
		Volume:    c.Sensor.VolumeL(),
		EC:        c.Sensor.EC(),
		Status:    record.Pending,
	}
	c.Archive.Add(rec)
}

func (c *Client) runSending(ctx context.Context) {
	if c.BusUp != nil && !c.BusUp() {
		c.Display.ShowLine("RS485 disconnected")
		sleep(ctx, SendRetryPeriod)
		return
	}

	idx, rec, ok := c.Archive.NextPending()
	if !ok {
		c.state = StateIdle
		return
	}

	if err := c.Bus.SendRaw(recordPayload(rec)); err != nil {
		c.Display.ShowLine("RS485 disconnected")
		sleep(ctx, SendRetryPeriod)
		return
	}
	c.Archive.UpdateStatus(idx, record.Sent)
	c.state = StateIdle
}

func recordPayload(rec record.Record) []byte {
	enc := rec.Encode()
	return enc[:]
}

// parseCowID recovers a numeric cow id from a raw RFID scan string. Scans
// that do not parse as a decimal number hash to 0, matching a never-tagged
// animal's default identity.
func parseCowID(scan string) uint32 {
	var v uint32
	for _, r := range scan {
		if r < '0' || r > '9' {
			return 0
		}
		v = v*10 + uint32(r-'0')
	}
	return v
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
