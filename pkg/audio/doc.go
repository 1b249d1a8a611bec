// Package audio defines the PCM types that flow through the livecoach
// pipeline and the conversions between stream shapes.
//
// The central types are:
//
//   - [StreamSpec]: channel count, sample rate and sample format of a stream.
//   - [Frame]: an immutable buffer of interleaved S16LE samples tagged with
//     its spec and frame count.
//   - [FormatConverter]: a per-stream, stateful converter that changes the
//     channel layout first and then the sample rate.
//
// Only 16-bit signed little-endian PCM is supported. The realtime session
// expects [WireSpec] (16 kHz mono) and answers in [ResponseSpec] (24 kHz mono).
//
// Subpackages provide capture sources (audio/capture) and the RIFF/WAVE
// container codec (audio/wav).
package audio
