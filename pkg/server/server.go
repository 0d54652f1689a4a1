// Package server implements the Server role's two long-lived tasks (spec
// §4.6): decoding bus frames into the archive, and draining pending records
// to the MQTT broker at a capped rate while ONLINE.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"time"

	"github.com/asbcorp24/pumnode/pkg/archive"
	"github.com/asbcorp24/pumnode/pkg/bus"
	"github.com/asbcorp24/pumnode/pkg/mqttlink"
	"github.com/asbcorp24/pumnode/pkg/ota"
	"github.com/asbcorp24/pumnode/pkg/record"
)

// DefaultMQTTInterval is the default broker-egress rate cap (spec §4.6): at
// most one record published per interval.
const DefaultMQTTInterval = 30 * time.Second

// LinkState mirrors the node's uplink mode: ONLINE publishes to the broker,
// AP_MODE runs the bus-ingest task unconditionally but never publishes.
type LinkState int

const (
	Online LinkState = iota
	APMode
)

// Publisher is the subset of pkg/mqttlink.Link the egress task needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// frameReader is the subset of pkg/bus.Bus the ingest task needs.
type frameReader interface {
	ReadFrame(deadline time.Time) (bus.Frame, error)
}

// recordPayload is the exact wire shape spec §4.6/§6 names for a published
// record: floats rounded to 2 decimals, pum_id in place of client_id.
type recordPayload struct {
	PumID     uint32  `json:"pum_id"`
	CowID     uint32  `json:"cow_id"`
	Timestamp uint32  `json:"timestamp"`
	Volume    float32 `json:"volume"`
	EC        float32 `json:"ec"`
}

func round2(f float32) float32 {
	return float32(math.Round(float64(f)*100) / 100)
}

// readDeadline bounds each ingest poll so the bus-ingest goroutine can
// re-check for shutdown without blocking indefinitely (spec §5: no blocking
// call exceeds the configured bus read timeout).
const readDeadline = 100 * time.Millisecond

// BusIngest polls frames off b and, for every frame that classifies as a
// record (spec §6 dispatch rule), decodes and archives it with status
// Pending. OTA header and chunk-header frames are handed to recv, and while
// recv is awaiting a chunk body the next frame goes straight to
// recv.HandleChunkBody without classification. With recv nil, OTA frames are
// dropped; unknown frames are always dropped.
func BusIngest(ctx context.Context, b frameReader, arc *archive.Archive, recv *ota.Receiver) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if recv != nil && recv.AwaitingChunkBody() {
			frame, err := b.ReadFrame(time.Now().Add(readDeadline))
			if err != nil {
				continue
			}
			if _, _, err := recv.HandleChunkBody(frame.Payload); err != nil {
				log.Printf("server: ota chunk body: %v", err)
			}
			continue
		}

		frame, err := b.ReadFrame(time.Now().Add(readDeadline))
		if err != nil {
			continue
		}

		switch ota.ClassifyFrame(frame.Payload) {
		case ota.KindRecord:
			rec, err := record.Decode(frame.Payload)
			if err != nil {
				log.Printf("server: decode record: %v", err)
				continue
			}
			arc.Add(rec)
		case ota.KindOTAHeader:
			if recv == nil {
				continue
			}
			h, err := ota.DecodeHeader(frame.Payload)
			if err != nil {
				log.Printf("server: decode ota header: %v", err)
				continue
			}
			if err := recv.HandleHeader(h); err != nil {
				log.Printf("server: ota header: %v", err)
			}
		case ota.KindOTAChunkHeader:
			if recv == nil {
				continue
			}
			ch, err := ota.DecodeChunkHeader(frame.Payload)
			if err != nil {
				log.Printf("server: decode ota chunk header: %v", err)
				continue
			}
			recv.HandleChunkHeader(ch)
		}
	}
}

// BrokerEgress runs the broker-egress task (spec §4.6): every interval,
// while state is Online, it drains at most one pending archive slot to the
// broker. A publish failure leaves the slot Pending for the next tick, except
// one that wraps mqttlink.ErrPermanent, which marks the slot Error.
func BrokerEgress(ctx context.Context, arc *archive.Archive, pub Publisher, state func() LinkState, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMQTTInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if state() != Online {
				continue
			}
			drainOne(arc, pub)
		}
	}
}

func drainOne(arc *archive.Archive, pub Publisher) {
	idx, rec, ok := arc.NextPending()
	if !ok {
		return
	}

	payload := recordPayload{
		PumID:     rec.ClientID,
		CowID:     rec.CowID,
		Timestamp: rec.Timestamp,
		Volume:    round2(rec.Volume),
		EC:        round2(rec.EC),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("server: marshal record for slot %d: %v", idx, err)
		return
	}

	topic := mqttlink.Topic(rec.ClientID)
	if err := pub.Publish(topic, body); err != nil {
		if errors.Is(err, mqttlink.ErrPermanent) {
			log.Printf("server: publish slot %d rejected permanently, marking Error: %v", idx, err)
			if uerr := arc.UpdateStatus(idx, record.Error); uerr != nil {
				log.Printf("server: update status slot %d: %v", idx, uerr)
			}
			return
		}
		log.Printf("server: publish slot %d: %v (left pending)", idx, err)
		return
	}
	if err := arc.UpdateStatus(idx, record.Sent); err != nil {
		log.Printf("server: update status slot %d: %v", idx, err)
	}
}
