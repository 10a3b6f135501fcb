// Package kms binds DRM connectors to CRTCs and primary planes and keeps
// the probed hardware state in sync with a conf.Configuration.
//
// Every modeset, page flip, power change and gamma update goes through
// the atomic API. The legacy cursor ioctls drive the hardware cursor.
package kms
