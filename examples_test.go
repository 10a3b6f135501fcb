package drm_test

import (
	"fmt"

	"github.com/NeowayLabs/kmsdisplay"
)

func ExampleHasDumbBuffer() {
	// This example shows how to test if your graphics card
	// supports 'dumb buffers' capability. With this capability
	// you can create simple memory-mapped buffers without any
	// driver-dependent code.

	file, err := drm.OpenCard(0)
	if err != nil {
		fmt.Printf("error: %s", err.Error())
		return
	}
	defer file.Close()
	if !drm.HasDumbBuffer(file) {
		fmt.Printf("drm device does not support dumb buffers")
		return
	}
	fmt.Printf("ok")
}

func ExampleGetCap() {
	// The hardware cursor plane has a driver specific size; cursor
	// images must be padded to it.
	file, err := drm.OpenCard(0)
	if err != nil {
		fmt.Printf("error: %s", err.Error())
		return
	}
	defer file.Close()
	width, err := drm.GetCap(file, drm.CapCursorWidth)
	if err != nil {
		width = 64
	}
	height, err := drm.GetCap(file, drm.CapCursorHeight)
	if err != nil {
		height = 64
	}
	fmt.Printf("cursor: %dx%d\n", width, height)
}
