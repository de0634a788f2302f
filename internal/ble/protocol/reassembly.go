package protocol

// Reassembler rebuilds frames that the device splits across several
// notifications. It is not safe for concurrent use; the session serializes
// access to it.
type Reassembler struct {
	buf      []byte
	expected int // 0 until the length field has been received
}

// InProgress reports whether a partial frame is buffered.
func (r *Reassembler) InProgress() bool {
	return r.buf != nil
}

// Reset discards any partial frame.
func (r *Reassembler) Reset() {
	r.buf = nil
	r.expected = 0
}

// Push feeds one notification. It returns a complete frame once all of its
// bytes have arrived, or nil while more are expected. On error the buffer is
// discarded and the offending bytes are dropped.
func (r *Reassembler) Push(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	if r.buf == nil {
		n, ok, err := DeclaredLength(data)
		if err != nil {
			return nil, err
		}
		if ok && len(data) == n {
			return append([]byte(nil), data...), nil
		}
		if ok && len(data) > n {
			return nil, formatErrorf("notification of %d bytes exceeds declared length %d", len(data), n)
		}
		r.buf = make([]byte, 0, max(n, len(data)))
		r.buf = append(r.buf, data...)
		r.expected = n
		return r.check()
	}

	if r.expected > 0 && len(r.buf)+len(data) > r.expected {
		got := len(r.buf) + len(data)
		want := r.expected
		r.Reset()
		return nil, formatErrorf("reassembly overflow: %d bytes, declared %d", got, want)
	}
	r.buf = append(r.buf, data...)
	return r.check()
}

// check resolves the expected length once the header is complete and
// returns the frame when the buffer is full.
func (r *Reassembler) check() ([]byte, error) {
	if r.expected == 0 {
		n, ok, err := DeclaredLength(r.buf)
		if err != nil {
			r.Reset()
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		r.expected = n
	}

	switch {
	case len(r.buf) > r.expected:
		got, want := len(r.buf), r.expected
		r.Reset()
		return nil, formatErrorf("reassembly overflow: %d bytes, declared %d", got, want)
	case len(r.buf) == r.expected:
		frame := r.buf
		r.Reset()
		return frame, nil
	default:
		return nil, nil
	}
}
