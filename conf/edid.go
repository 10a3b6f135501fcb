package conf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	edidBlockSize        = 128
	edidDescriptorOffset = 54
	edidDescriptorSize   = 18
	edidTagMonitorName   = 0xfc
	edidTagSerial        = 0xff
)

var edidHeader = []byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00}

var ErrBadEDID = errors.New("malformed EDID")

// DisplayInfo identifies the monitor behind an output.
type DisplayInfo struct {
	Vendor  string // PNP id, e.g. "DEL"
	Product uint16
	Serial  uint32
	Name    string
	// SerialText is the serial number descriptor, when present.
	SerialText string
}

// Key is a stable identity for the physical monitor.
func (d DisplayInfo) Key() string {
	if d.SerialText != "" {
		return fmt.Sprintf("%s-%d-%s", d.Vendor, d.Product, d.SerialText)
	}
	return fmt.Sprintf("%s-%d-%d", d.Vendor, d.Product, d.Serial)
}

// ParseEDID decodes the identification fields of an EDID base block.
func ParseEDID(edid []byte) (DisplayInfo, error) {
	if len(edid) < edidBlockSize || !bytes.Equal(edid[:len(edidHeader)], edidHeader) {
		return DisplayInfo{}, ErrBadEDID
	}
	var sum byte
	for _, b := range edid[:edidBlockSize] {
		sum += b
	}
	if sum != 0 {
		return DisplayInfo{}, fmt.Errorf("%w: checksum mismatch", ErrBadEDID)
	}

	vendor := binary.BigEndian.Uint16(edid[8:])
	info := DisplayInfo{
		Vendor: string([]byte{
			byte('A' - 1 + (vendor>>10)&0x1f),
			byte('A' - 1 + (vendor>>5)&0x1f),
			byte('A' - 1 + vendor&0x1f),
		}),
		Product: binary.LittleEndian.Uint16(edid[10:]),
		Serial:  binary.LittleEndian.Uint32(edid[12:]),
	}

	for i := 0; i < 4; i++ {
		d := edid[edidDescriptorOffset+i*edidDescriptorSize:][:edidDescriptorSize]
		if d[0] != 0 || d[1] != 0 {
			continue // detailed timing
		}
		switch d[3] {
		case edidTagMonitorName:
			info.Name = descriptorText(d[5:])
		case edidTagSerial:
			info.SerialText = descriptorText(d[5:])
		}
	}
	return info, nil
}

func descriptorText(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}
