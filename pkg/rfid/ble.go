package rfid

import "sync"

// BLEReader is an alternative animal-ID source selected at node construction
// (spec §4.5: "a BLE alternative may be selected at construction; its wire
// details are not part of this spec"). It satisfies Reader by accepting
// already-decoded identifiers from whatever BLE GATT notification plumbing
// the node wires in, so pkg/client never depends on BLE framing.
type BLEReader struct {
	mu      sync.Mutex
	pending []string
}

// NewBLEReader returns an empty BLEReader; call Notify as the BLE transport
// delivers decoded identifiers.
func NewBLEReader() *BLEReader {
	return &BLEReader{}
}

// Notify is called by the BLE transport (out of scope for this spec) each
// time it decodes one identifier from a characteristic notification.
func (b *BLEReader) Notify(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, id)
}

func (b *BLEReader) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

func (b *BLEReader) Read() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return "", errNoScan
	}
	id := b.pending[0]
	b.pending = b.pending[1:]
	return id, nil
}

var _ Reader = (*BLEReader)(nil)
