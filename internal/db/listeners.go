package db

// Subscribe registers cb to run whenever event fires via Notify.
// Returns an unsubscribe function.
func (h *Handle) Subscribe(event string, cb func(event string, data []byte)) func() {
	h.listenersMu.Lock()
	h.listeners[event] = append(h.listeners[event], cb)
	idx := len(h.listeners[event]) - 1
	h.listenersMu.Unlock()

	return func() {
		h.listenersMu.Lock()
		defer h.listenersMu.Unlock()
		cbs := h.listeners[event]
		if idx < len(cbs) {
			cbs[idx] = nil
		}
	}
}

// Notify invokes every callback registered for event with data.
func (h *Handle) Notify(event string, data []byte) {
	h.listenersMu.Lock()
	cbs := append([]func(event string, data []byte){}, h.listeners[event]...)
	h.listenersMu.Unlock()

	for _, cb := range cbs {
		if cb != nil {
			cb(event, data)
		}
	}
}
