// Package udev listens for DRM hotplug uevents on the kernel's kobject
// netlink socket.
package udev

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// kernelGroup is the multicast group of uevents sent by the kernel, as
// opposed to the ones rebroadcast by udevd.
const kernelGroup = 1

// pollInterval bounds how long Run takes to notice a cancelled context.
const pollInterval = 250 * time.Millisecond

// Event is a parsed uevent.
type Event struct {
	Action    string
	DevPath   string
	Subsystem string
	DevType   string
	// DevName is the node below /dev, e.g. "dri/card0".
	DevName string
	Env     map[string]string
}

// Hotplug reports whether e is a DRM device node appearing, going away
// or reporting a connector change.
func (e Event) Hotplug() bool {
	if e.Subsystem != "drm" || e.DevType != "drm_minor" {
		return false
	}
	switch e.Action {
	case "add", "remove":
		return true
	case "change":
		return e.Env["HOTPLUG"] == "1"
	}
	return false
}

// Parse decodes a kernel uevent: a "action@devpath" header followed by
// NUL separated KEY=VALUE pairs.
func Parse(msg []byte) (Event, error) {
	fields := bytes.Split(bytes.TrimRight(msg, "\x00"), []byte{0})
	header := string(fields[0])
	action, devpath, ok := strings.Cut(header, "@")
	if !ok || action == "" {
		return Event{}, fmt.Errorf("malformed uevent header %q", header)
	}

	ev := Event{Action: action, DevPath: devpath, Env: map[string]string{}}
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(string(f), "=")
		if !ok {
			continue
		}
		ev.Env[key] = value
	}
	if a, ok := ev.Env["ACTION"]; ok && a != action {
		return Event{}, fmt.Errorf("uevent action mismatch: %q and %q", action, a)
	}
	ev.Subsystem = ev.Env["SUBSYSTEM"]
	ev.DevType = ev.Env["DEVTYPE"]
	ev.DevName = ev.Env["DEVNAME"]
	return ev, nil
}

// Monitor receives kernel uevents.
type Monitor struct {
	fd  int
	buf []byte
	log *logrus.Entry
}

func NewMonitor() (*Monitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("creating uevent socket: %w", err)
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kernelGroup}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding uevent socket: %w", err)
	}
	return &Monitor{
		fd:  fd,
		buf: make([]byte, 64*1024),
		log: logrus.WithField("component", "udev"),
	}, nil
}

// Fd can be polled for readability by an event loop driving Dispatch.
func (m *Monitor) Fd() int {
	return m.fd
}

// Dispatch reads every pending uevent and calls fn for the DRM hotplug
// ones. It does not block.
func (m *Monitor) Dispatch(fn func(Event)) error {
	for {
		n, _, err := unix.Recvfrom(m.fd, m.buf, 0)
		switch {
		case errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return fmt.Errorf("reading uevent: %w", err)
		}
		ev, err := Parse(m.buf[:n])
		if err != nil {
			m.log.WithError(err).Debug("dropping uevent")
			continue
		}
		if !ev.Hotplug() {
			continue
		}
		m.log.WithFields(logrus.Fields{
			"action": ev.Action,
			"device": ev.DevName,
		}).Debug("drm hotplug")
		fn(ev)
	}
}

// Run dispatches events until ctx is done.
func (m *Monitor) Run(ctx context.Context, fn func(Event)) error {
	fds := []unix.PollFd{{Fd: int32(m.fd), Events: unix.POLLIN}}
	for ctx.Err() == nil {
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("polling uevent socket: %w", err)
		}
		if n == 0 {
			continue
		}
		if err := m.Dispatch(fn); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (m *Monitor) Close() error {
	return unix.Close(m.fd)
}
