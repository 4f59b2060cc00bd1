//go:build !linux

package irq

// New returns the best [Line] for the platform.
func New() (Line, error) {
	return NewChan(), nil
}
