// Package kms drives the kernel modesetting API through the DRM card
// node: device bring-up, output routing discovery, dumb-buffer pools,
// atomic request assembly and non-blocking commits, and decoding of the
// completion event stream.
//
// Each output is one plane -> CRTC -> connector chain reusing whatever
// routing was active when the process started. Property IDs are resolved
// once at discovery time and cached on the output, so the steady-state
// commit path never looks anything up.
package kms
