// Package session takes DRM devices from systemd-logind, which hands
// them over and back around VT switches.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	login1      = "org.freedesktop.login1"
	managerPath = dbus.ObjectPath("/org/freedesktop/login1")
	managerIfc  = "org.freedesktop.login1.Manager"
	sessionIfc  = "org.freedesktop.login1.Session"
)

// Listener is told when its device is paused and resumed.
// *display.Display implements it.
type Listener interface {
	Pause()
	Resume() error
}

// Device identifies a device node by its numbers.
type Device struct {
	Major, Minor uint32
}

func (d Device) String() string {
	return fmt.Sprintf("%d:%d", d.Major, d.Minor)
}

// DeviceOf stats the device node at path.
func DeviceOf(path string) (Device, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Device{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return Device{}, fmt.Errorf("%s is not a character device", path)
	}
	return Device{Major: unix.Major(uint64(st.Rdev)), Minor: unix.Minor(uint64(st.Rdev))}, nil
}

// Session is the logind session the process runs in.
type Session struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	path    dbus.ObjectPath
	signals chan *dbus.Signal
	log     *logrus.Entry

	mu        sync.Mutex
	listeners map[Device]Listener

	// complete acknowledges a pause; replaced in tests.
	complete func(d Device) error
}

// Open connects to the system bus and takes control of the session of
// this process.
func Open(ctx context.Context) (*Session, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}

	var path dbus.ObjectPath
	manager := conn.Object(login1, managerPath)
	if id := os.Getenv("XDG_SESSION_ID"); id != "" {
		err = manager.CallWithContext(ctx, managerIfc+".GetSession", 0, id).Store(&path)
	} else {
		err = manager.CallWithContext(ctx, managerIfc+".GetSessionByPID", 0, uint32(os.Getpid())).Store(&path)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("looking up logind session: %w", err)
	}

	s := newSession(conn.Object(login1, path), path)
	s.conn = conn
	if err := s.obj.CallWithContext(ctx, sessionIfc+".TakeControl", 0, false).Err; err != nil {
		conn.Close()
		return nil, fmt.Errorf("taking control of session %s: %w", path, err)
	}

	for _, member := range []string{"PauseDevice", "ResumeDevice"} {
		err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath(path),
			dbus.WithMatchInterface(sessionIfc),
			dbus.WithMatchMember(member),
		)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribing to %s: %w", member, err)
		}
	}
	conn.Signal(s.signals)
	s.log.Info("took control of logind session")
	return s, nil
}

func newSession(obj dbus.BusObject, path dbus.ObjectPath) *Session {
	s := &Session{
		obj:       obj,
		path:      path,
		signals:   make(chan *dbus.Signal, 16),
		log:       logrus.WithField("session", path),
		listeners: map[Device]Listener{},
	}
	s.complete = func(d Device) error {
		return s.obj.Call(sessionIfc+".PauseDeviceComplete", 0, d.Major, d.Minor).Err
	}
	return s
}

// TakeDevice opens the device node at path through logind and routes its
// pause and resume notifications to l.
func (s *Session) TakeDevice(ctx context.Context, path string, l Listener) (*os.File, error) {
	dev, err := DeviceOf(path)
	if err != nil {
		return nil, err
	}
	var (
		fd       dbus.UnixFD
		inactive bool
	)
	err = s.obj.CallWithContext(ctx, sessionIfc+".TakeDevice", 0, dev.Major, dev.Minor).Store(&fd, &inactive)
	if err != nil {
		return nil, fmt.Errorf("taking device %s: %w", path, err)
	}
	s.mu.Lock()
	s.listeners[dev] = l
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"device": path, "inactive": inactive}).Info("took device")
	return os.NewFile(uintptr(fd), path), nil
}

// Run handles pause and resume signals until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-s.signals:
			if !ok {
				return fmt.Errorf("system bus connection closed")
			}
			s.handle(sig)
		}
	}
}

func (s *Session) handle(sig *dbus.Signal) {
	if sig.Path != s.path {
		return
	}
	switch sig.Name {
	case sessionIfc + ".PauseDevice":
		var (
			dev Device
			typ string
		)
		if err := dbus.Store(sig.Body, &dev.Major, &dev.Minor, &typ); err != nil {
			s.log.WithError(err).Warn("malformed PauseDevice signal")
			return
		}
		l := s.listener(dev)
		if l == nil {
			return
		}
		s.log.WithFields(logrus.Fields{"device": dev, "type": typ}).Info("device paused")
		l.Pause()
		// forced and gone pauses are not acknowledged
		if typ == "pause" {
			if err := s.complete(dev); err != nil {
				s.log.WithError(err).WithField("device", dev).Warn("failed to acknowledge pause")
			}
		}

	case sessionIfc + ".ResumeDevice":
		var (
			dev Device
			fd  dbus.UnixFD
		)
		if err := dbus.Store(sig.Body, &dev.Major, &dev.Minor, &fd); err != nil {
			s.log.WithError(err).Warn("malformed ResumeDevice signal")
			return
		}
		// DRM devices are resumed on the fd we already hold
		if fd >= 0 {
			unix.Close(int(fd))
		}
		l := s.listener(dev)
		if l == nil {
			return
		}
		s.log.WithField("device", dev).Info("device resumed")
		if err := l.Resume(); err != nil {
			s.log.WithError(err).WithField("device", dev).Error("failed to resume device")
		}
	}
}

func (s *Session) listener(d Device) Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[d]
}

// Close gives control of the session back to logind.
func (s *Session) Close() error {
	err := s.obj.Call(sessionIfc+".ReleaseControl", 0).Err
	if s.conn != nil {
		s.conn.RemoveSignal(s.signals)
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
