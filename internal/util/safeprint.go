package util

import (
	"fmt"
	"sync"
)

// SafePrinter serializes writes to stdout so concurrent goroutines never
// interleave partial lines.
type SafePrinter struct {
	mu sync.Mutex
}

// Default is the shared SafePrinter used across the application to
// ensure all packages serialize their output to the terminal and avoid
// interleaving between goroutines.
var Default = &SafePrinter{}

func (s *SafePrinter) Printf(format string, a ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Printf(format, a...)
}
