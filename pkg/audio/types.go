// Package audio defines the canonical audio frame flowing through the
// dialvox relay pipeline.
//
// Every transport — carrier call legs on one side, the speech backend on the
// other — is adapted to the same fixed-size frame shape at its boundary, so
// the bridge itself never deals in carrier- or provider-specific media. A
// frame is immutable once produced: ownership transfers along the pipeline
// from producer to consumer and the payload is never mutated in place.
//
// This package lives under pkg/ because external code (third-party carrier
// adapters, alternative speech backends) produces and consumes [Frame].
package audio

import "time"

// Canonical frame format: 8 kHz mono μ-law, 20 ms per frame.
// One μ-law byte per sample, so a frame is exactly 160 bytes.
const (
	// SampleRate is the canonical sample rate in Hz.
	SampleRate = 8000

	// FrameDuration is the fixed duration of one frame.
	FrameDuration = 20 * time.Millisecond

	// FrameBytes is the exact encoded payload size of one frame.
	FrameBytes = SampleRate / int(time.Second/FrameDuration)
)

// Frame is a single fixed-duration chunk of encoded call audio.
type Frame struct {
	// Data is the encoded payload. Always FrameBytes long for frames
	// produced by a conforming adapter.
	Data []byte

	// Seq is the per-direction sequence number. Strictly increasing within
	// one direction of one call; never reused.
	Seq uint64

	// Timestamp marks when the frame was captured at its source.
	Timestamp time.Time
}
