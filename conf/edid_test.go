package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEDID(t *testing.T) []byte {
	t.Helper()
	edid := make([]byte, 128)
	copy(edid, edidHeader)
	// "DEL": D=4 E=5 L=12
	vendor := uint16(4)<<10 | uint16(5)<<5 | uint16(12)
	edid[8] = byte(vendor >> 8)
	edid[9] = byte(vendor)
	edid[10], edid[11] = 0x34, 0x12 // product 0x1234
	edid[12] = 0x78                 // serial 0x78

	name := edid[54+18:][:18]
	name[3] = edidTagMonitorName
	copy(name[5:], "DELL U2415\n   ")

	serial := edid[54+36:][:18]
	serial[3] = edidTagSerial
	copy(serial[5:], "ABC123\n")

	var sum byte
	for _, b := range edid[:127] {
		sum += b
	}
	edid[127] = -sum
	return edid
}

func TestParseEDID(t *testing.T) {
	info, err := ParseEDID(makeEDID(t))
	require.NoError(t, err)
	assert.Equal(t, DisplayInfo{
		Vendor:     "DEL",
		Product:    0x1234,
		Serial:     0x78,
		Name:       "DELL U2415",
		SerialText: "ABC123",
	}, info)
	assert.Equal(t, "DEL-4660-ABC123", info.Key())
}

func TestParseEDIDRejectsGarbage(t *testing.T) {
	_, err := ParseEDID([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadEDID)

	edid := makeEDID(t)
	edid[20]++
	_, err = ParseEDID(edid)
	assert.ErrorIs(t, err, ErrBadEDID)
}
