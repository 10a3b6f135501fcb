// Package display applies display configurations to KMS hardware and
// presents frames on the configured outputs.
//
// A Display owns one Sink per group of outputs showing the same content.
// Frames are posted to a sink, which page flips when it can and falls
// back to a full modeset when it must.
package display
