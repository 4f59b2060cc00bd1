// Package irq models an interrupt line between a DMA engine and the driver.
// Raising a line that is already pending does nothing, the driver sees one
// interrupt for any number of raises between two waits.
package irq

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("interrupt line closed")

type Line interface {
	// Raise asserts the line.
	Raise() error
	// Wait blocks until the line is asserted and deasserts it.
	Wait(ctx context.Context) error
	Close() error
}

// Chan is a [Line] built on a buffered channel.
type Chan struct {
	ch   chan struct{}
	done chan struct{}
}

func NewChan() *Chan {
	return &Chan{
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (c *Chan) Raise() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.ch <- struct{}{}:
	default:
	}
	return nil
}

func (c *Chan) Wait(ctx context.Context) error {
	select {
	case <-c.ch:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Chan) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}
