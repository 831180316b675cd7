package db

// SharedBufferOptions configures get_user_shared_buffer.
type SharedBufferOptions struct {
	Callback func(buf []byte)
}

// GetUserSharedBuffer returns the named process-local byte buffer,
// creating it with defaultBuffer on first use. Every caller on this
// handle observes the same backing slice, so in-place mutations are
// visible to other holders immediately (concurrent writers must coordinate
// externally, e.g. via TryLock/WithLock). A replacement passed to
// NotifyUserSharedBuffer is seen by callbacks and later calls only.
func (h *Handle) GetUserSharedBuffer(name string, defaultBuffer []byte, opts SharedBufferOptions) []byte {
	h.buffersMu.Lock()
	defer h.buffersMu.Unlock()

	buf, ok := h.buffers[name]
	if !ok {
		buf = defaultBuffer
		h.buffers[name] = buf
	}
	if opts.Callback != nil {
		h.bufferCBs[name] = append(h.bufferCBs[name], opts.Callback)
	}
	return buf
}

// NotifyUserSharedBuffer replaces the named buffer's contents (or just
// re-announces the existing contents, if replacement is nil) and invokes
// every callback registered for it via GetUserSharedBuffer.
func (h *Handle) NotifyUserSharedBuffer(name string, replacement []byte) {
	h.buffersMu.Lock()
	if replacement != nil {
		h.buffers[name] = replacement
	}
	buf := h.buffers[name]
	cbs := append([]func([]byte){}, h.bufferCBs[name]...)
	h.buffersMu.Unlock()

	for _, cb := range cbs {
		cb(buf)
	}
}
