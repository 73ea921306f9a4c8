package playback

import (
	"fmt"
	"strings"
	"time"
)

// fragmentBuffer collects the chunks of one fragmented keyframe until
// every declared index is present. Duplicate deliveries overwrite the
// same slot, so at-least-once transports cannot inflate the buffer.
type fragmentBuffer struct {
	total     int
	parts     map[int]string
	createdAt time.Time
}

func newFragmentBuffer(total int) *fragmentBuffer {
	if total < 1 {
		total = 1
	}
	return &fragmentBuffer{
		total:     total,
		parts:     make(map[int]string, total),
		createdAt: time.Now(),
	}
}

// add stores one chunk. Indexes outside the declared range are dropped.
func (b *fragmentBuffer) add(index int, chunk string) {
	if index < 0 || index >= b.total {
		return
	}
	b.parts[index] = chunk
}

func (b *fragmentBuffer) complete() bool {
	return len(b.parts) == b.total
}

// assemble joins the chunks in index order, restoring the original
// payload byte for byte.
func (b *fragmentBuffer) assemble() (string, error) {
	var sb strings.Builder
	for i := 0; i < b.total; i++ {
		chunk, ok := b.parts[i]
		if !ok {
			return "", fmt.Errorf("playback: fragment %d/%d missing", i, b.total)
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

func (b *fragmentBuffer) age(now time.Time) time.Duration {
	return now.Sub(b.createdAt)
}
