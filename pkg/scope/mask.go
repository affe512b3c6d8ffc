package scope

import "fmt"

// SetRowMask records which rows of the scope's window survive its body. The
// mask is write-once and must match the window's row count exactly. It never
// propagates on pop; each scope that filters rows declares its own mask.
func (s *Scope) SetRowMask(mask []bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mask != nil {
		return fmt.Errorf("%w: %s", ErrRowMaskAlreadySet, s.FullName())
	}

	w := s.shared.Window()
	if w == nil {
		return fmt.Errorf("%w: %s has no window (mask of %d rows)", ErrRowMaskLengthMismatch, s.FullName(), len(mask))
	}
	if len(mask) != w.RowCount() {
		return fmt.Errorf("%w: mask has %d rows, window has %d", ErrRowMaskLengthMismatch, len(mask), w.RowCount())
	}

	s.mask = append([]bool(nil), mask...)
	return nil
}

// RowMask returns a copy of the scope's row mask, or ErrRowMaskUnset when no
// mask has been recorded.
func (s *Scope) RowMask() ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mask == nil {
		return nil, fmt.Errorf("%w: %s", ErrRowMaskUnset, s.FullName())
	}
	return append([]bool(nil), s.mask...), nil
}

// HasRowMask reports whether a row mask has been recorded.
func (s *Scope) HasRowMask() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mask != nil
}
