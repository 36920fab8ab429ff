//go:build linux

package deck

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// epollTimeoutMS bounds each wait so the reader notices cancellation.
const epollTimeoutMS = 250

// Run opens the keypad devices and serves key events until ctx is canceled.
func (k *Keypad) Run(ctx context.Context) error {
	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, path := range k.devices {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open keypad device %s (run as root or add user to 'input' group): %w", path, err)
		}
		files = append(files, f)
	}

	raw := make(chan inputEvent, 64)
	readErr := make(chan error, 1)
	go func() { readErr <- readInputEvents(ctx, files, raw) }()

	k.logger.Info("keypad listening", "devices", k.devices)
	return k.serve(ctx, raw, readErr)
}

// readInputEvents reads from every device with a single epoll loop. It
// returns nil when ctx is canceled.
func readInputEvents(ctx context.Context, files []*os.File, out chan<- inputEvent) error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	defer unix.Close(epfd)

	byFd := make(map[int32]*os.File, len(files))
	for _, f := range files {
		fd := int(f.Fd())
		byFd[int32(fd)] = f
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return fmt.Errorf("epoll_ctl_add %s: %w", f.Name(), err)
		}
	}

	ready := make([]unix.EpollEvent, 32)
	buf := make([]byte, inputEventSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := unix.EpollWait(epfd, ready, epollTimeoutMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			f := byFd[ready[i].Fd]
			if ready[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				return fmt.Errorf("device error/hangup: %s", f.Name())
			}
			if _, err := f.Read(buf); err != nil {
				return fmt.Errorf("read from %s: %w", f.Name(), err)
			}
			ev, err := decodeInputEvent(buf)
			if err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
