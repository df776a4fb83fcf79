package session

import (
	"fmt"

	"cans/internal/domain"
)

// DefaultWindow is how many sequence numbers behind the highest accepted
// one are still tracked.
const DefaultWindow = 1024

// checkWindow reports whether seq may be accepted without recording it.
func checkWindow(w *domain.ReplayWindow, seq, size uint64) error {
	if seq == 0 {
		return fmt.Errorf("%w: sequence 0", domain.ErrReplayOrExpired)
	}
	if seq > w.Highest {
		return nil
	}
	age := w.Highest - seq
	if age >= size {
		return fmt.Errorf("%w: sequence %d outside window (highest %d)", domain.ErrReplayOrExpired, seq, w.Highest)
	}
	if bit(w.Bits, age) {
		return fmt.Errorf("%w: sequence %d", domain.ErrDuplicateMessage, seq)
	}
	return nil
}

// markWindow records seq as accepted. Call only after checkWindow passed.
func markWindow(w *domain.ReplayWindow, seq, size uint64) {
	words := int((size + 63) / 64)
	if len(w.Bits) != words {
		bits := make([]uint64, words)
		copy(bits, w.Bits)
		w.Bits = bits
	}
	if seq > w.Highest {
		shift(w.Bits, seq-w.Highest, size)
		w.Highest = seq
	}
	set(w.Bits, w.Highest-seq)
}

func bit(bits []uint64, i uint64) bool {
	if i/64 >= uint64(len(bits)) {
		return false
	}
	return bits[i/64]&(1<<(i%64)) != 0
}

func set(bits []uint64, i uint64) {
	bits[i/64] |= 1 << (i % 64)
}

// shift ages every tracked entry by n positions, dropping those that fall
// outside the window.
func shift(bits []uint64, n, size uint64) {
	if n >= size {
		clear(bits)
		return
	}
	for i := size - 1; i >= n; i-- {
		if bit(bits, i-n) {
			set(bits, i)
		} else {
			bits[i/64] &^= 1 << (i % 64)
		}
		if i == n {
			break
		}
	}
	for i := uint64(0); i < n; i++ {
		bits[i/64] &^= 1 << (i % 64)
	}
}
