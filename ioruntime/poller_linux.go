//go:build linux

package ioruntime

import (
	"golang.org/x/sys/unix"
)

// epollPoller implements poller atop epoll, grounded on
// span::io::IOManager (epoll variant) and the teacher's
// eventloop/poller_linux.go FastPoller for the golang.org/x/sys/unix
// wiring idiom (EpollCreate1/EpollCtl/EpollWait).
type epollPoller struct {
	epfd int
}

func newPoller() (poller, int, int, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, 0, 0, err
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, 0, 0, err
	}
	readFD := wakeFD

	p := &epollPoller{epfd: epfd}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, readFD, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(readFD),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(readFD)
		return nil, 0, 0, err
	}

	return p, readFD, readFD, nil
}

func eventsToEpoll(e Event) uint32 {
	var out uint32 = unix.EPOLLET
	if e&EventRead != 0 {
		out |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		out |= unix.EPOLLOUT
	}
	if e&EventClose != 0 {
		out |= unix.EPOLLRDHUP
	}
	return out
}

func epollToEvents(raw uint32) Event {
	var e Event
	if raw&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		e |= EventRead | EventWrite
	}
	if raw&unix.EPOLLIN != 0 {
		e |= EventRead
	}
	if raw&unix.EPOLLOUT != 0 {
		e |= EventWrite
	}
	if raw&unix.EPOLLRDHUP != 0 {
		e |= EventClose
	}
	return e
}

func (p *epollPoller) add(fd int, events Event) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) modify(fd int, events Event) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
}

func (p *epollPoller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) wait(timeoutMicros int64, cb func(fd int, events Event)) error {
	timeoutMs := -1
	if timeoutMicros >= 0 {
		timeoutMs = int(timeoutMicros/1000) + 1
	}

	var raw [64]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		cb(int(raw[i].Fd), epollToEvents(raw[i].Events))
	}
	return nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}

func writeWake(fd int) {
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(fd, buf[:])
}

func drainWake(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}
