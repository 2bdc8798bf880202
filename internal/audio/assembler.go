package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-capture/internal/errkind"
)

var (
	ErrEmptyCapture     = errkind.Sentinel(errkind.EmptyCapture)
	ErrAlreadyFinalized = errkind.Sentinel(errkind.AlreadyFinalized)
	ErrEncodingFailed   = errkind.Sentinel(errkind.EncodingFailed)
)

type Format string

const (
	FormatRaw Format = "raw"
	FormatWAV Format = "wav"
)

const bytesPerSample = 2 // signed 16-bit little-endian PCM

// Spec describes the PCM stream being assembled and how to encode it.
type Spec struct {
	Format     Format
	SampleRate int
	Channels   int
}

// EncodedBuffer is the transport-ready form of a finished recording.
type EncodedBuffer struct {
	Data       string        `json:"data"`
	Format     Format        `json:"format"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	Bytes      int           `json:"bytes"`
	Duration   time.Duration `json:"duration"`
}

// Assembler concatenates captured segments in arrival order. It is not safe
// for concurrent use; the owning session is its only writer.
type Assembler struct {
	spec      Spec
	segments  [][]byte
	size      int
	finalized bool
}

func NewAssembler(spec Spec) *Assembler {
	if spec.Format == "" {
		spec.Format = FormatRaw
	}
	return &Assembler{spec: spec}
}

// Append copies segment onto the end of the recording.
func (a *Assembler) Append(segment []byte) error {
	if a.finalized {
		return errkind.New(errkind.AlreadyFinalized, "cannot append after finalize")
	}
	if len(segment) == 0 {
		return nil
	}
	buf := make([]byte, len(segment))
	copy(buf, segment)
	a.segments = append(a.segments, buf)
	a.size += len(buf)
	return nil
}

// Segments returns the number of non-empty segments appended so far.
func (a *Assembler) Segments() int { return len(a.segments) }

// Size returns the number of bytes appended so far.
func (a *Assembler) Size() int { return a.size }

// Finalize may be called once. The assembler refuses further appends even
// when finalize fails.
func (a *Assembler) Finalize() (EncodedBuffer, error) {
	if a.finalized {
		return EncodedBuffer{}, errkind.New(errkind.AlreadyFinalized, "finalize already called")
	}
	a.finalized = true
	if a.size == 0 {
		return EncodedBuffer{}, errkind.New(errkind.EmptyCapture, "no audio was captured")
	}
	pcm := make([]byte, 0, a.size)
	for _, seg := range a.segments {
		pcm = append(pcm, seg...)
	}
	a.segments = nil
	return Encode(pcm, a.spec)
}

// Encode is deterministic: equal input always yields an equal buffer.
func Encode(pcm []byte, spec Spec) (EncodedBuffer, error) {
	var payload []byte
	switch spec.Format {
	case FormatRaw, "":
		spec.Format = FormatRaw
		payload = pcm
	case FormatWAV:
		encoded, err := encodeWAV(pcm, spec.SampleRate, spec.Channels)
		if err != nil {
			return EncodedBuffer{}, errkind.Wrap(errkind.EncodingFailed, err, "wav")
		}
		payload = encoded
	default:
		return EncodedBuffer{}, errkind.New(errkind.EncodingFailed, "unsupported format %q", spec.Format)
	}
	return EncodedBuffer{
		Data:       base64.StdEncoding.EncodeToString(payload),
		Format:     spec.Format,
		SampleRate: spec.SampleRate,
		Channels:   spec.Channels,
		Bytes:      len(pcm),
		Duration:   pcmDuration(len(pcm), spec.SampleRate, spec.Channels),
	}, nil
}

// Decode reverses the base64 layer of b.
func (b EncodedBuffer) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(b.Data)
}

func encodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid pcm layout: %d Hz, %d channels", sampleRate, channels)
	}
	if len(pcm)%(bytesPerSample*channels) != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/bytesPerSample)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	out := &seekBuffer{}
	enc := wav.NewEncoder(out, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.Bytes(), nil
}

func pcmDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSecond := sampleRate * channels * bytesPerSample
	return time.Duration(float64(n) / float64(bytesPerSecond) * float64(time.Second))
}

// Level returns the RMS level of a PCM16 segment normalized to [0, 1].
func Level(segment []byte) float64 {
	n := len(segment) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(segment[i*bytesPerSample:])))
		sum += s * s
	}
	level := math.Sqrt(sum/float64(n)) / 32768
	if level > 1 {
		return 1
	}
	return level
}

// seekBuffer is the in-memory io.WriteSeeker the wav encoder needs to patch
// its header sizes on Close.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	if end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}
	copy(s.buf[s.pos:], p)
	s.pos = end
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(s.pos) + offset
	case io.SeekEnd:
		next = int64(len(s.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position")
	}
	s.pos = int(next)
	return next, nil
}

func (s *seekBuffer) Bytes() []byte {
	return bytes.Clone(s.buf)
}
