package util

import (
	"sync"

	"golang.org/x/term"
)

var rawMu sync.Mutex
var rawStates = map[int]*term.State{}

// EnableRaw enables raw mode on fd and returns a restore function.
// Restore is safe to call multiple times. A no-op restore is returned for
// a non-terminal fd, so callers can use it unconditionally against stdin.
func EnableRaw(fd int) (func() error, error) {
	rawMu.Lock()
	defer rawMu.Unlock()

	if !term.IsTerminal(fd) {
		return func() error { return nil }, nil
	}
	if _, ok := rawStates[fd]; ok {
		return func() error { return nil }, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	rawStates[fd] = state

	once := sync.Once{}
	restore := func() error {
		var rerr error
		once.Do(func() {
			rawMu.Lock()
			defer rawMu.Unlock()
			if st, ok := rawStates[fd]; ok {
				rerr = term.Restore(fd, st)
				delete(rawStates, fd)
			}
		})
		return rerr
	}
	return restore, nil
}

// WithRaw is a convenience wrapper: enable raw, run fn, then restore.
func WithRaw(fd int, fn func()) error {
	restore, err := EnableRaw(fd)
	if err != nil {
		return err
	}
	defer restore()
	fn()
	return nil
}
