//go:build darwin

package ioruntime

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// kqueuePoller implements poller atop kqueue, grounded on
// span::io::IOManager (kqueue variant, original_source/span/src/span/io/
// IOManagerKqueue.cpp/.hh): one EVFILT_READ/EVFILT_WRITE registration per
// (fd, direction), with CLOSE folded into READ (kqueue has no distinct
// peer-hangup filter the way epoll's EPOLLRDHUP does) and surfaced via
// EV_EOF on the returned event, matching the reference's "merge on
// registration, split on dispatch" CLOSE handling.
type kqueuePoller struct {
	kq int
}

func newPoller() (poller, int, int, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, 0, 0, err
	}

	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		_ = unix.Close(kq)
		return nil, 0, 0, err
	}
	_ = syscall.SetNonblock(fds[0], true)
	_ = syscall.SetNonblock(fds[1], true)
	syscall.CloseOnExec(fds[0])
	syscall.CloseOnExec(fds[1])

	p := &kqueuePoller{kq: kq}
	ev := unix.Kevent_t{
		Ident:  uint64(fds[0]),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		_ = unix.Close(kq)
		_ = syscall.Close(fds[0])
		_ = syscall.Close(fds[1])
		return nil, 0, 0, err
	}

	return p, fds[0], fds[1], nil
}

func (p *kqueuePoller) changeList(fd int, events Event) []unix.Kevent_t {
	var out []unix.Kevent_t
	want := func(filter int16, present bool) {
		flags := uint16(unix.EV_DELETE)
		if present {
			flags = unix.EV_ADD | unix.EV_CLEAR
		}
		out = append(out, unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags})
	}
	want(unix.EVFILT_READ, events&(EventRead|EventClose) != 0)
	want(unix.EVFILT_WRITE, events&EventWrite != 0)
	return out
}

func (p *kqueuePoller) add(fd int, events Event) error {
	_, err := unix.Kevent(p.kq, p.changeList(fd, events), nil, nil)
	return err
}

func (p *kqueuePoller) modify(fd int, events Event) error {
	return p.add(fd, events)
}

func (p *kqueuePoller) remove(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, _ = unix.Kevent(p.kq, changes, nil, nil)
	return nil
}

func (p *kqueuePoller) wait(timeoutMicros int64, cb func(fd int, events Event)) error {
	var ts *unix.Timespec
	if timeoutMicros >= 0 {
		t := unix.NsecToTimespec(timeoutMicros * 1000)
		ts = &t
	}

	var raw [64]unix.Kevent_t
	n, err := unix.Kevent(p.kq, nil, raw[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}

	merged := make(map[int]Event, n)
	for i := 0; i < n; i++ {
		fd := int(raw[i].Ident)
		var e Event
		switch raw[i].Filter {
		case unix.EVFILT_READ:
			e = EventRead
			if raw[i].Flags&unix.EV_EOF != 0 {
				e |= EventClose
			}
		case unix.EVFILT_WRITE:
			e = EventWrite
		}
		merged[fd] |= e
	}
	for fd, e := range merged {
		cb(fd, e)
	}
	return nil
}

func (p *kqueuePoller) close() error {
	return unix.Close(p.kq)
}

func writeWake(fd int) {
	_, _ = unix.Write(fd, []byte{1})
}

func drainWake(fd int) {
	var buf [64]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}
