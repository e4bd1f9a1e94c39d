package sandbox

import (
	"strings"
	"sync"
)

const truncationMarker = "\n[output truncated]\n"

// capBuffer accumulates program output up to a byte limit. It is safe for
// concurrent use so a runner can snapshot partial output while the
// interpreter is still writing.
type capBuffer struct {
	mu        sync.Mutex
	sb        strings.Builder
	limit     int
	truncated bool
	onWrite   func(string)
}

func newCapBuffer(limit int) *capBuffer {
	return &capBuffer{limit: limit}
}

func (b *capBuffer) WriteString(s string) {
	b.mu.Lock()
	if b.truncated {
		b.mu.Unlock()
		return
	}
	room := b.limit - b.sb.Len()
	if len(s) > room {
		s = s[:max(room, 0)]
		b.truncated = true
	}
	b.sb.WriteString(s)
	if b.truncated {
		b.sb.WriteString(truncationMarker)
	}
	onWrite := b.onWrite
	b.mu.Unlock()

	if onWrite != nil && s != "" {
		onWrite(s)
	}
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

// appendCapped appends s to dst without letting dst exceed limit bytes plus
// the truncation marker.
func appendCapped(dst, s string, limit int) string {
	if strings.HasSuffix(dst, truncationMarker) {
		return dst
	}
	if len(dst)+len(s) <= limit {
		return dst + s
	}
	room := limit - len(dst)
	if room < 0 {
		room = 0
	}
	return dst + s[:room] + truncationMarker
}
