package registry

import "github.com/MrSnakeDoc/keel/internal/domain"

// ring keeps the last N health results of an instance.
type ring struct {
	buf  []domain.HealthResult
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]domain.HealthResult, size)}
}

func (h *ring) add(r domain.HealthResult) {
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// items returns results oldest first.
func (h *ring) items() []domain.HealthResult {
	if !h.full {
		out := make([]domain.HealthResult, h.next)
		copy(out, h.buf[:h.next])
		return out
	}
	out := make([]domain.HealthResult, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}
