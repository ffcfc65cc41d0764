// Package poller wraps the epoll readiness multiplexer the reactor polls on
// every loop iteration: a thin layer over golang.org/x/sys/unix exposing
// just Add/Mod/Del/Wait, with no connection bookkeeping of its own.
package poller

import (
	"golang.org/x/sys/unix"
)

const defaultMaxEvents = 1024

// Event mirrors the subset of epoll event bits the reactor cares about.
const (
	EventIn    = unix.EPOLLIN
	EventOut   = unix.EPOLLOUT
	EventErr   = unix.EPOLLERR
	EventHup   = unix.EPOLLHUP
	EventRdHup = unix.EPOLLRDHUP
	OneShot    = unix.EPOLLONESHOT
	EdgeTrig   = unix.EPOLLET
)

// Poller owns one epoll instance and a reusable ready-event buffer.
type Poller struct {
	fd     int
	events []unix.EpollEvent
}

// New creates an epoll instance sized for maxEvents ready notifications per
// Wait call. maxEvents <= 0 selects a default of 1024.
func New(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{fd: fd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

// Add registers fd for the given event mask.
func (p *Poller) Add(fd int, events uint32) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: events,
	})
}

// Mod updates the event mask already registered for fd.
func (p *Poller) Mod(fd int, events uint32) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: events,
	})
}

// Del unregisters fd. It must be called before the caller closes fd.
func (p *Poller) Del(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one fd is ready, the timeout elapses, or an
// error occurs, returning the number of ready events. timeoutMs < 0 blocks
// indefinitely; timeoutMs == 0 polls without blocking.
func (p *Poller) Wait(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(p.fd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// EventFd returns the fd of the i'th ready event from the last Wait call.
func (p *Poller) EventFd(i int) int {
	return int(p.events[i].Fd)
}

// EventMask returns the event bitmask of the i'th ready event from the last
// Wait call.
func (p *Poller) EventMask(i int) uint32 {
	return p.events[i].Events
}

// Close releases the underlying epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}
