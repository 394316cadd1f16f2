package room

import "markethub/pkg/types"

// History is a fixed-capacity ring buffer of messages in arrival order.
// Pushing into a full buffer overwrites the oldest message. Not safe for
// concurrent use; the Manager guards it.
type History struct {
	buf   []types.Message
	start int
	size  int
}

// NewHistory creates a ring buffer holding at most capacity messages.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]types.Message, capacity)}
}

// Push appends msg, evicting the oldest message when full.
func (h *History) Push(msg types.Message) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = msg
		h.size++
		return
	}
	h.buf[h.start] = msg
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of buffered messages.
func (h *History) Len() int {
	return h.size
}

// Cap returns the buffer capacity.
func (h *History) Cap() int {
	return len(h.buf)
}

// Tail returns a copy of the newest n messages, oldest first.
func (h *History) Tail(n int) []types.Message {
	if n <= 0 || h.size == 0 {
		return []types.Message{}
	}
	if n > h.size {
		n = h.size
	}
	out := make([]types.Message, n)
	offset := h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+offset+i)%len(h.buf)]
	}
	return out
}
