//go:build linux

// Package syncfile wraps Linux sync_file fence descriptors.
//
// A sync_file becomes readable (POLLIN) once every fence it carries has
// signalled, so waiting is a poll on the descriptor. Any pollable descriptor
// with the same semantics, such as the read end of a pipe, can stand in for a
// fence in tests.
package syncfile

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by Wait when the fence did not signal in time.
var ErrTimeout = errors.New("fence wait timed out")

// ErrClosed is returned when operating on a closed fence.
var ErrClosed = errors.New("fence closed")

// Fence owns one sync_file descriptor.
type Fence struct {
	mu sync.Mutex
	fd int
}

// New takes ownership of fd. A negative fd yields nil, which is a valid
// already-signalled fence for every method.
func New(fd int) *Fence {
	if fd < 0 {
		return nil
	}
	return &Fence{fd: fd}
}

// FD returns the descriptor, or -1 for a nil or closed fence.
func (f *Fence) FD() int {
	if f == nil {
		return -1
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fd
}

// Dup returns an independent fence for the same sync point.
func (f *Fence) Dup() (*Fence, error) {
	if f == nil {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fd < 0 {
		return nil, ErrClosed
	}
	fd, err := unix.FcntlInt(uintptr(f.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dup fence: %w", err)
	}
	return &Fence{fd: fd}, nil
}

// Wait blocks until the fence signals or the timeout expires.
// A nil fence is already signalled.
func (f *Fence) Wait(timeout time.Duration) error {
	fd := f.FD()
	if f == nil {
		return nil
	}
	if fd < 0 {
		return ErrClosed
	}

	deadline := time.Now().Add(timeout)
	for {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollTimeout(time.Until(deadline)))
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return fmt.Errorf("poll fence: %w", err)
		}
		if n == 0 {
			return ErrTimeout
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return fmt.Errorf("poll fence: revents %#x", fds[0].Revents)
		}
		return nil
	}
}

// pollTimeout converts d to poll milliseconds, rounding up so a bound
// below one millisecond still waits.
func pollTimeout(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// Signaled reports whether the fence has signalled without blocking.
func (f *Fence) Signaled() bool {
	return f.Wait(0) == nil
}

// Close releases the descriptor. Closing twice is a no-op.
func (f *Fence) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}
