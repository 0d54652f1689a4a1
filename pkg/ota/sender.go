package ota

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// ChunkPace is the minimum spacing between chunk transmissions, giving
// receivers time to flush each chunk to flash (spec §4.8).
const ChunkPace = 100 * time.Millisecond

// FrameSender is the subset of pkg/bus.Bus the sender needs: one framed,
// half-duplex write.
type FrameSender interface {
	SendRaw(payload []byte) error
}

// Sender streams a firmware image as one Header frame followed by N
// (Chunk announcement, Chunk bytes) frame pairs. There are no
// acknowledgements and no retransmission: a receiver that misses a chunk
// aborts its session and the operator simply repeats the procedure.
type Sender struct {
	bus       FrameSender
	chunkSize uint16
}

// NewSender constructs a Sender. chunkSize <= 0 selects DefaultChunkSize.
func NewSender(bus FrameSender, chunkSize int) *Sender {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Sender{bus: bus, chunkSize: uint16(chunkSize)}
}

// Send reads totalSize bytes from image and streams them as an OTA session.
// It paces chunks at ChunkPace and respects ctx cancellation between
// chunks.
func (s *Sender) Send(ctx context.Context, image io.ReaderAt, totalSize int64) error {
	if totalSize <= 0 {
		return fmt.Errorf("ota: image size must be positive, got %d", totalSize)
	}
	if totalSize > int64(^uint32(0)) {
		return fmt.Errorf("ota: image size %d exceeds u32 range", totalSize)
	}

	header := EncodeHeader(uint32(totalSize), s.chunkSize)
	if err := s.bus.SendRaw(header); err != nil {
		return fmt.Errorf("ota: send header: %w", err)
	}
	totalChunks := ChunkCount(uint32(totalSize), s.chunkSize)
	log.Printf("ota: sending image of %d bytes in %d chunks of %d bytes", totalSize, totalChunks, s.chunkSize)

	buf := make([]byte, s.chunkSize)
	for i := uint16(0); i < totalChunks; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		offset := int64(i) * int64(s.chunkSize)
		remaining := totalSize - offset
		length := int64(s.chunkSize)
		if remaining < length {
			length = remaining
		}

		n, err := image.ReadAt(buf[:length], offset)
		if err != nil && err != io.EOF {
			return fmt.Errorf("ota: read chunk %d: %w", i, err)
		}
		if int64(n) != length {
			return fmt.Errorf("ota: short read for chunk %d: got %d, want %d", i, n, length)
		}

		if err := s.bus.SendRaw(EncodeChunkHeader(i, uint16(length))); err != nil {
			return fmt.Errorf("ota: send chunk header %d: %w", i, err)
		}
		if err := s.bus.SendRaw(buf[:length]); err != nil {
			return fmt.Errorf("ota: send chunk %d: %w", i, err)
		}

		if i+1 < totalChunks {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ChunkPace):
			}
		}
	}
	return nil
}

// StartUpdate opens the firmware blob at imagePath and streams it as one OTA
// session (spec.md §4.8: "Inputs: a firmware blob in local storage"). It
// satisfies pkg/httpapi.OTAStarter, the operator-facing trigger for the
// Server's "initiate an over-the-air firmware update" capability
// (spec.md line 6).
func (s *Sender) StartUpdate(ctx context.Context, imagePath string) error {
	f, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("ota: open image %s: %w", imagePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("ota: stat image %s: %w", imagePath, err)
	}

	return s.Send(ctx, f, info.Size())
}
