package mode

import (
	"cmp"
	"os"
	"slices"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/NeowayLabs/kmsdisplay"
	"github.com/NeowayLabs/kmsdisplay/ioctl"
)

// Atomic commit flags.
const (
	PageFlipEvent        = 0x01
	PageFlipAsync        = 0x02
	AtomicTestOnly       = 0x0100
	AtomicNonblock       = 0x0200
	AtomicAllowModeset   = 0x0400
	atomicFlagsSupported = PageFlipEvent | PageFlipAsync | AtomicTestOnly |
		AtomicNonblock | AtomicAllowModeset
)

type (
	sysAtomic struct {
		flags         uint32
		countObjs     uint32
		objsPtr       uint64
		countPropsPtr uint64
		propsPtr      uint64
		propValuesPtr uint64
		reserved      uint64
		userData      uint64
	}

	// AtomicProperty is one (object, property, value) triple of an
	// atomic request.
	AtomicProperty struct {
		Object   uint32
		Property uint32
		Value    uint64
	}

	// AtomicReq accumulates property changes that the kernel applies all
	// at once, or not at all.
	AtomicReq struct {
		props []AtomicProperty
	}
)

var (
	// DRM_IOWR(0xBC, struct drm_mode_atomic)
	IOCTLModeAtomic = ioctl.NewCode(ioctl.Read|ioctl.Write,
		uint16(unsafe.Sizeof(sysAtomic{})), drm.IOCTLBase, 0xBC)
)

func NewAtomicReq() *AtomicReq {
	return &AtomicReq{}
}

// AddProperty queues a property change. Adding the same property of the
// same object twice keeps the last value.
func (r *AtomicReq) AddProperty(obj, prop uint32, value uint64) {
	for i := range r.props {
		if r.props[i].Object == obj && r.props[i].Property == prop {
			r.props[i].Value = value
			return
		}
	}
	r.props = append(r.props, AtomicProperty{Object: obj, Property: prop, Value: value})
}

func (r *AtomicReq) Len() int {
	return len(r.props)
}

// Properties returns the queued triples grouped by object, in the order
// the kernel receives them.
func (r *AtomicReq) Properties() []AtomicProperty {
	sorted := slices.Clone(r.props)
	slices.SortStableFunc(sorted, func(a, b AtomicProperty) int {
		return cmp.Compare(a.Object, b.Object)
	})
	return sorted
}

// AtomicCommit sends the request to the kernel. userData is handed back
// in the page flip event when PageFlipEvent is set.
func AtomicCommit(file *os.File, req *AtomicReq, flags uint32, userData uint64) error {
	if flags&^atomicFlagsSupported != 0 {
		return unix.EINVAL
	}

	sorted := req.Properties()
	var (
		objs       []uint32
		counts     []uint32
		props      = make([]uint32, 0, len(sorted))
		propValues = make([]uint64, 0, len(sorted))
	)
	for _, p := range sorted {
		if len(objs) == 0 || objs[len(objs)-1] != p.Object {
			objs = append(objs, p.Object)
			counts = append(counts, 0)
		}
		counts[len(counts)-1]++
		props = append(props, p.Property)
		propValues = append(propValues, p.Value)
	}

	atomic := &sysAtomic{
		flags:     flags,
		countObjs: uint32(len(objs)),
		userData:  userData,
	}
	if len(objs) > 0 {
		atomic.objsPtr = uint64(uintptr(unsafe.Pointer(&objs[0])))
		atomic.countPropsPtr = uint64(uintptr(unsafe.Pointer(&counts[0])))
		atomic.propsPtr = uint64(uintptr(unsafe.Pointer(&props[0])))
		atomic.propValuesPtr = uint64(uintptr(unsafe.Pointer(&propValues[0])))
	}

	return ioctl.Do(uintptr(file.Fd()), uintptr(IOCTLModeAtomic),
		uintptr(unsafe.Pointer(atomic)))
}
