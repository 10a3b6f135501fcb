// Package fb creates the DRM framebuffers a display scans out: dumb
// buffers for CPU rendering, GBM surfaces for GPU rendering and imported
// DMA-BUFs. Framebuffer ids are reference counted and removed from the
// kernel when the last reference is released.
package fb
