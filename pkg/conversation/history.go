package conversation

import "sync"

// DisplayHistory is the insertion-ordered message log shown to the user.
//
// It only supports appending and wholesale clearing.
type DisplayHistory struct {
	mu       sync.RWMutex
	messages []Message
}

func NewDisplayHistory(messages ...Message) *DisplayHistory {
	ret := &DisplayHistory{}
	ret.Append(messages...)
	return ret
}

func (h *DisplayHistory) Append(messages ...Message) {
	if len(messages) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, messages...)
}

func (h *DisplayHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
}

// Messages returns a copy of the log.
func (h *DisplayHistory) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ret := make([]Message, len(h.messages))
	copy(ret, h.messages)
	return ret
}

func (h *DisplayHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Successful returns the log without failed exchanges: error replies and the
// user message that triggered each of them are dropped.
func (h *DisplayHistory) Successful() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return SuccessfulExchanges(h.messages)
}

func SuccessfulExchanges(messages []Message) []Message {
	ret := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.error {
			if n := len(ret); n > 0 && ret[n-1].role == RoleUser {
				ret = ret[:n-1]
			}
			continue
		}
		ret = append(ret, m)
	}
	return ret
}
