package session

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListener struct {
	paused, resumed int
	resumeErr       error
}

func (l *fakeListener) Pause() { l.paused++ }

func (l *fakeListener) Resume() error {
	l.resumed++
	return l.resumeErr
}

const path = dbus.ObjectPath("/org/freedesktop/login1/session/_32")

func testSession(t *testing.T) (*Session, *fakeListener, *[]Device) {
	t.Helper()
	s := newSession(nil, path)
	var completed []Device
	s.complete = func(d Device) error {
		completed = append(completed, d)
		return nil
	}
	l := &fakeListener{}
	s.listeners[Device{Major: 226, Minor: 0}] = l
	return s, l, &completed
}

func pause(major, minor uint32, typ string) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: sessionIfc + ".PauseDevice",
		Body: []interface{}{major, minor, typ},
	}
}

func resume(major, minor uint32) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: sessionIfc + ".ResumeDevice",
		Body: []interface{}{major, minor, dbus.UnixFD(-1)},
	}
}

func TestPauseIsAcknowledged(t *testing.T) {
	s, l, completed := testSession(t)

	s.handle(pause(226, 0, "pause"))
	assert.Equal(t, 1, l.paused)
	assert.Equal(t, []Device{{226, 0}}, *completed)

	s.handle(resume(226, 0))
	assert.Equal(t, 1, l.resumed)
}

func TestForcedPauseIsNotAcknowledged(t *testing.T) {
	s, l, completed := testSession(t)

	s.handle(pause(226, 0, "force"))
	s.handle(pause(226, 0, "gone"))
	assert.Equal(t, 2, l.paused)
	assert.Empty(t, *completed)
}

func TestOtherDevicesAndSessionsIgnored(t *testing.T) {
	s, l, completed := testSession(t)

	s.handle(pause(13, 64, "pause"))
	s.handle(resume(226, 1))
	other := pause(226, 0, "pause")
	other.Path = "/org/freedesktop/login1/session/_33"
	s.handle(other)
	s.handle(&dbus.Signal{Path: path, Name: sessionIfc + ".Lock"})

	assert.Zero(t, l.paused)
	assert.Zero(t, l.resumed)
	assert.Empty(t, *completed)
}

func TestMalformedSignal(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	s, l, _ := testSession(t)
	s.handle(&dbus.Signal{Path: path, Name: sessionIfc + ".PauseDevice", Body: []interface{}{"226"}})
	assert.Zero(t, l.paused)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestResumeFailureIsLogged(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	s, l, _ := testSession(t)
	l.resumeErr = errors.New("not master")
	s.handle(resume(226, 0))
	assert.Equal(t, 1, l.resumed)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestDeviceOfRejectsRegularFiles(t *testing.T) {
	_, err := DeviceOf("session.go")
	assert.Error(t, err)
}
