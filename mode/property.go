package mode

import (
	"bytes"
	"os"
	"unsafe"

	"github.com/NeowayLabs/kmsdisplay"
	"github.com/NeowayLabs/kmsdisplay/ioctl"
)

// Object types understood by the property ioctls.
const (
	ObjectCrtc      = 0xcccccccc
	ObjectConnector = 0xc0c0c0c0
	ObjectEncoder   = 0xe0e0e0e0
	ObjectMode      = 0xdededede
	ObjectProperty  = 0xb0b0b0b0
	ObjectFB        = 0xfbfbfbfb
	ObjectBlob      = 0xbbbbbbbb
	ObjectPlane     = 0xeeeeeeee
)

// Property flags.
const (
	PropPending   = 1 << 0
	PropRange     = 1 << 1
	PropImmutable = 1 << 2
	PropEnum      = 1 << 3
	PropBlob      = 1 << 4
	PropBitmask   = 1 << 5
)

type (
	sysObjGetProperties struct {
		propsPtr      uintptr
		propValuesPtr uintptr
		countProps    uint32
		objID         uint32
		objType       uint32
	}

	sysGetProperty struct {
		valuesPtr      uintptr
		enumBlobPtr    uintptr
		propID         uint32
		flags          uint32
		name           [PropNameLen]uint8
		countValues    uint32
		countEnumBlobs uint32
	}

	sysPropertyEnum struct {
		value uint64
		name  [PropNameLen]uint8
	}

	sysCreateBlob struct {
		data   uintptr
		length uint32
		blobID uint32
	}

	sysDestroyBlob struct {
		blobID uint32
	}

	sysGetBlob struct {
		blobID uint32
		length uint32
		data   uintptr
	}

	// ObjectProperties are the property ids attached to one KMS object
	// and their current values, index aligned.
	ObjectProperties struct {
		IDs    []uint32
		Values []uint64
	}

	PropertyEnum struct {
		Value uint64
		Name  string
	}

	Property struct {
		ID     uint32
		Flags  uint32
		Name   string
		Values []uint64
		Enums  []PropertyEnum
	}
)

var (
	// DRM_IOWR(0xAA, struct drm_mode_get_property)
	IOCTLModeGetProperty = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetProperty{})), drm.IOCTLBase, 0xAA)

	// DRM_IOWR(0xAC, struct drm_mode_get_blob)
	IOCTLModeGetPropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysGetBlob{})), drm.IOCTLBase, 0xAC)

	// DRM_IOWR(0xB9, struct drm_mode_obj_get_properties)
	IOCTLModeObjGetProperties = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysObjGetProperties{})), drm.IOCTLBase, 0xB9)

	// DRM_IOWR(0xBD, struct drm_mode_create_blob)
	IOCTLModeCreatePropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysCreateBlob{})), drm.IOCTLBase, 0xBD)

	// DRM_IOWR(0xBE, struct drm_mode_destroy_blob)
	IOCTLModeDestroyPropBlob = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysDestroyBlob{})), drm.IOCTLBase, 0xBE)
)

func GetObjectProperties(file *os.File, objID, objType uint32) (*ObjectProperties, error) {
	for {
		req := &sysObjGetProperties{objID: objID, objType: objType}
		err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeObjGetProperties),
			uintptr(unsafe.Pointer(req)))
		if err != nil {
			return nil, err
		}
		count := req.countProps
		if count == 0 {
			return &ObjectProperties{}, nil
		}

		ids := make([]uint32, count)
		values := make([]uint64, count)
		req.propsPtr = uintptr(unsafe.Pointer(&ids[0]))
		req.propValuesPtr = uintptr(unsafe.Pointer(&values[0]))
		err = ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeObjGetProperties),
			uintptr(unsafe.Pointer(req)))
		if err != nil {
			return nil, err
		}
		if req.countProps > count {
			// properties were added in between, start over
			continue
		}
		return &ObjectProperties{
			IDs:    ids[:req.countProps],
			Values: values[:req.countProps],
		}, nil
	}
}

func GetProperty(file *os.File, id uint32) (*Property, error) {
	prop := &sysGetProperty{propID: id}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetProperty),
		uintptr(unsafe.Pointer(prop)))
	if err != nil {
		return nil, err
	}

	var (
		values []uint64
		enums  []sysPropertyEnum
	)
	if prop.countValues > 0 {
		values = make([]uint64, prop.countValues)
		prop.valuesPtr = uintptr(unsafe.Pointer(&values[0]))
	}
	if prop.countEnumBlobs > 0 && prop.flags&(PropEnum|PropBitmask) != 0 {
		enums = make([]sysPropertyEnum, prop.countEnumBlobs)
		prop.enumBlobPtr = uintptr(unsafe.Pointer(&enums[0]))
	}
	if values != nil || enums != nil {
		err = ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetProperty),
			uintptr(unsafe.Pointer(prop)))
		if err != nil {
			return nil, err
		}
	}

	ret := &Property{
		ID:     prop.propID,
		Flags:  prop.flags,
		Name:   cstring(prop.name[:]),
		Values: values,
	}
	for _, e := range enums {
		ret.Enums = append(ret.Enums, PropertyEnum{
			Value: e.value,
			Name:  cstring(e.name[:]),
		})
	}
	return ret, nil
}

// CreatePropertyBlob uploads data as a property blob, e.g. a mode for
// MODE_ID or a colour LUT for GAMMA_LUT.
func CreatePropertyBlob(file *os.File, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	blob := &sysCreateBlob{
		data:   uintptr(unsafe.Pointer(&data[0])),
		length: uint32(len(data)),
	}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeCreatePropBlob),
		uintptr(unsafe.Pointer(blob)))
	if err != nil {
		return 0, err
	}
	return blob.blobID, nil
}

func DestroyPropertyBlob(file *os.File, id uint32) error {
	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeDestroyPropBlob),
		uintptr(unsafe.Pointer(&sysDestroyBlob{blobID: id})))
}

// GetPropertyBlob reads the contents of a blob, e.g. a connector's EDID.
func GetPropertyBlob(file *os.File, id uint32) ([]byte, error) {
	blob := &sysGetBlob{blobID: id}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetPropBlob),
		uintptr(unsafe.Pointer(blob)))
	if err != nil {
		return nil, err
	}
	if blob.length == 0 {
		return nil, nil
	}

	data := make([]byte, blob.length)
	blob.data = uintptr(unsafe.Pointer(&data[0]))
	err = ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeGetPropBlob),
		uintptr(unsafe.Pointer(blob)))
	if err != nil {
		return nil, err
	}
	return data, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
