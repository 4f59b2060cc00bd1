package irq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollInterval bounds how long Wait sleeps in epoll before it looks at the
// context again.
const pollInterval = 50 * time.Millisecond

// EventFD is a [Line] backed by a Linux eventfd, the same primitive vfio and
// vhost use to deliver device interrupts to user space.
type EventFD struct {
	fd    int
	epoll int

	mu     sync.Mutex
	closed bool
}

func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create eventfd: %w", err)
	}

	ep, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("create epoll: %w", err)
	}

	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(ep, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		_ = unix.Close(ep)
		_ = unix.Close(fd)
		return nil, fmt.Errorf("add eventfd to epoll: %w", err)
	}

	return &EventFD{fd: fd, epoll: ep}, nil
}

// New returns the best [Line] for the platform.
func New() (Line, error) {
	return NewEventFD()
}

func (e *EventFD) FD() int {
	return e.fd
}

func (e *EventFD) Raise() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		// The counter is saturated, the line is already pending.
		return nil
	}
	return err
}

func (e *EventFD) Wait(ctx context.Context) error {
	events := make([]unix.EpollEvent, 1)
	var buf [8]byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return ErrClosed
		}

		n, err := unix.EpollWait(e.epoll, events, int(pollInterval/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}

		_, err = unix.Read(e.fd, buf[:])
		if errors.Is(err, unix.EAGAIN) {
			// Another waiter already consumed it.
			continue
		}
		return err
	}
}

func (e *EventFD) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return errors.Join(unix.Close(e.epoll), unix.Close(e.fd))
}
