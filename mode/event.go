package mode

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// Event types delivered on the DRM file descriptor.
const (
	EventVBlank         = 0x01
	EventFlipComplete   = 0x02
	EventCrtcSequence   = 0x03
	eventHeaderSize     = 8
	eventVBlankSize     = 32
	eventReadBufferSize = 1024
)

// Event is a vblank or page flip completion event.
type Event struct {
	Type     uint32
	UserData uint64
	Sec      uint32
	Usec     uint32
	Sequence uint32
	CrtcID   uint32
}

// ReadEvents blocks until the kernel has events for file and returns
// them. Unknown event types are skipped.
func ReadEvents(file *os.File) ([]Event, error) {
	buf := make([]byte, eventReadBufferSize)
	for {
		n, err := unix.Read(int(file.Fd()), buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		return ParseEvents(buf[:n]), nil
	}
}

// ParseEvents decodes a buffer of struct drm_event records.
func ParseEvents(buf []byte) []Event {
	var events []Event
	for len(buf) >= eventHeaderSize {
		typ := binary.NativeEndian.Uint32(buf[0:])
		length := int(binary.NativeEndian.Uint32(buf[4:]))
		if length < eventHeaderSize || length > len(buf) {
			break
		}
		if (typ == EventVBlank || typ == EventFlipComplete) && length >= eventVBlankSize {
			events = append(events, Event{
				Type:     typ,
				UserData: binary.NativeEndian.Uint64(buf[8:]),
				Sec:      binary.NativeEndian.Uint32(buf[16:]),
				Usec:     binary.NativeEndian.Uint32(buf[20:]),
				Sequence: binary.NativeEndian.Uint32(buf[24:]),
				CrtcID:   binary.NativeEndian.Uint32(buf[28:]),
			})
		}
		buf = buf[length:]
	}
	return events
}
