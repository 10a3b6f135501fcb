// Package drm provides a library to interact with DRM
// (Direct Rendering Manager) and KMS (Kernel Mode Setting) interfaces.
// DRM is a low level interface for the graphics card (gpu) and this package
// enables the creation of graphics library on top of the kernel drm/kms
// subsystem.
//
// The root package opens device nodes and negotiates capabilities and
// master status. Package mode mirrors the kernel's KMS structures and
// ioctls, package kms drives connectors, CRTCs and planes through atomic
// commits, and package display presents framebuffers on them.
package drm
