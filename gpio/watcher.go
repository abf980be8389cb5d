//go:build linux

package gpio

import (
	"context"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// epollWaitMS bounds how long the watcher sleeps in epoll_wait so that
// context cancellation is noticed even on a completely idle encoder.
const epollWaitMS = 500

// Watch reads edge events from multiple lines using a single epoll loop and
// sends them to the events channel. It runs until ctx is canceled, a read
// fails, or a line hangs up; failures are reported on readErr before the
// loop exits.
//
// One goroutine serves all lines: the kernel wakes it only when an edge is
// pending, which keeps the hot path allocation-free and scales past the two
// lines a single encoder needs.
func Watch(ctx context.Context, lines []*Line, events chan<- Event, readErr chan<- error) {
	fail := func(err error) {
		select {
		case readErr <- err:
		case <-ctx.Done():
		}
	}

	if len(lines) == 0 {
		fail(fmt.Errorf("no gpio lines provided"))
		return
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		fail(fmt.Errorf("epoll_create1: %w", err))
		return
	}
	defer unix.Close(epfd)

	fdToLine := make(map[int]*Line)

	for _, l := range lines {
		fdToLine[l.fd] = l

		event := unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(l.fd),
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, l.fd, &event); err != nil {
			fail(fmt.Errorf("epoll_ctl_add line %d: %w", l.offset, err))
			return
		}
	}

	// Reusable buffers
	const maxEvents = 32
	epollEvents := make([]unix.EpollEvent, maxEvents)
	buf := make([]byte, lineEventSize)

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := unix.EpollWait(epfd, epollEvents, epollWaitMS)
		if err != nil {
			// Interrupted system call (e.g. SIGINT): retry.
			if err == syscall.EINTR {
				continue
			}
			fail(fmt.Errorf("epoll_wait: %w", err))
			return
		}

		for i := 0; i < n; i++ {
			fd := int(epollEvents[i].Fd)
			l := fdToLine[fd]

			if epollEvents[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				fail(fmt.Errorf("line %d error/hangup", l.offset))
				return
			}

			if _, err := unix.Read(fd, buf); err != nil {
				if err == syscall.EINTR {
					continue
				}
				fail(fmt.Errorf("read line %d: %w", l.offset, err))
				return
			}

			ev, err := decodeLineEvent(buf)
			if err != nil {
				// Skip malformed events
				continue
			}

			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
