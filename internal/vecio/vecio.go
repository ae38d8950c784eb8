// Package vecio implements a bounded, splittable view over a sequence of
// byte-slice buffers — the scatter/gather primitive the disk subsystem uses
// to translate a single logical write (a piece, say) into a sequence of
// per-file writes without copying any bytes.
//
// Ported from cratetorrent's iovecs.rs: a View wraps a caller-owned []
// of buffers and can be "bounded" to the first max_len bytes, handed to one
// file, advanced as bytes are consumed, and the remainder ("tail") recovered
// for the next file — all views into the same backing buffers.
package vecio

// View is a view over a sequence of buffers, optionally split at a byte
// boundary by Bounded. The zero value is not meaningful; use Bounded or
// Unbounded to construct one.
type View struct {
	bufs [][]byte

	// split records where Bounded cut the sequence. hasSplit is false when
	// the view covers every buffer (no cut was necessary).
	hasSplit bool
	splitPos int
	// second holds the remainder of bufs[splitPos] when the cut fell inside
	// a buffer. It is nil when the cut fell exactly on a buffer boundary.
	second []byte
}

// Unbounded wraps bufs in a View with no split: the head is everything.
func Unbounded(bufs [][]byte) *View {
	return &View{bufs: bufs}
}

// Bounded produces a view whose head covers exactly maxLen bytes from the
// front of bufs. If maxLen falls inside some buffer, that buffer is split
// in place — its head replaces bufs[i] and the tail is saved for
// IntoTail — with no copy. If maxLen lands exactly on a buffer boundary,
// the split carries no saved tail. Panics if maxLen is zero.
//
// If the total length of bufs is less than maxLen, the returned view is
// unbounded (its head is every buffer).
func Bounded(bufs [][]byte, maxLen int) *View {
	if maxLen == 0 {
		panic("vecio: max_len must be > 0")
	}

	acc := 0
	for i, buf := range bufs {
		acc += len(buf)

		if acc < maxLen {
			continue
		}

		if acc == maxLen {
			if i+1 == len(bufs) {
				return Unbounded(bufs)
			}
			return &View{bufs: bufs, hasSplit: true, splitPos: i}
		}

		// maxLen falls inside bufs[i]; split it without copying.
		prev := acc - len(buf)
		cut := maxLen - prev
		whole := buf
		first, second := whole[:cut], whole[cut:]
		bufs[i] = first

		return &View{bufs: bufs, hasSplit: true, splitPos: i, second: second}
	}

	return Unbounded(bufs)
}

// AsSlice returns the view's head buffers: the full sequence up to and
// including the split point, or every buffer if unbounded.
func (v *View) AsSlice() [][]byte {
	if v.hasSplit {
		return v.bufs[:v.splitPos+1]
	}
	return v.bufs
}

// HeadLen returns the total byte length of the head buffers.
func (v *View) HeadLen() int {
	n := 0
	for _, b := range v.AsSlice() {
		n += len(b)
	}
	return n
}

// Advance drops whole buffers fully consumed by the first n bytes of the
// head, then shortens the first remaining buffer by the remainder. Panics
// if n exceeds the head's current length.
func (v *View) Advance(n int) {
	if n == 0 {
		return
	}
	if n > v.HeadLen() {
		panic("vecio: advance exceeds view length")
	}

	dropped, removed := 0, 0
	for _, buf := range v.AsSlice() {
		l := len(buf)
		if removed+l > n {
			break
		}
		removed += l
		dropped++
	}

	v.bufs = v.bufs[dropped:]
	if v.hasSplit {
		v.splitPos -= dropped
		if v.splitPos < 0 {
			v.splitPos = 0
		}
	}

	left := n - removed
	if left > 0 && len(v.bufs) > 0 {
		buf := v.bufs[0]
		if left > len(buf) {
			panic("vecio: advance exceeds view length")
		}
		v.bufs[0] = buf[left:]
	}
}

// IntoTail consumes the view and returns the portion beyond the split: the
// saved inner-buffer slice prepended to the untouched suffix, or an empty
// slice if Bounded never recorded a split.
func (v *View) IntoTail() [][]byte {
	if !v.hasSplit {
		return v.bufs[len(v.bufs):]
	}
	if v.second != nil {
		v.bufs[v.splitPos] = v.second
		return v.bufs[v.splitPos:]
	}
	// Exact-boundary split: the tail begins just past the split buffer.
	return v.bufs[v.splitPos+1:]
}
