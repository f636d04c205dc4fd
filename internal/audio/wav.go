package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length of the canonical PCM WAV header.
const HeaderSize = 44

const pcmFormatTag = 1

// Params describes the PCM layout wrapped by the encoder.
type Params struct {
	SampleRateHz  int `yaml:"sample_rate_hz" json:"sample_rate_hz"`
	Channels      int `yaml:"channels" json:"channels"`
	BitsPerSample int `yaml:"bits_per_sample" json:"bits_per_sample"`
}

// DefaultParams matches the relay's nominal capture format.
func DefaultParams() Params {
	return Params{SampleRateHz: 24000, Channels: 1, BitsPerSample: 16}
}

// Validate rejects layouts the encoder cannot describe.
func (p Params) Validate() error {
	if p.SampleRateHz <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", p.SampleRateHz)
	}
	if p.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", p.Channels)
	}
	if p.BitsPerSample != 16 {
		return fmt.Errorf("bits per sample must be 16, got %d", p.BitsPerSample)
	}
	return nil
}

func (p Params) blockAlign() int {
	return p.Channels * p.BitsPerSample / 8
}

// EncodeWAV wraps signed 16-bit samples in a WAV container. Params must have
// passed Validate.
func EncodeWAV(samples []int16, p Params) []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize + 2*len(samples))
	// bytes.Buffer writes never fail.
	_ = WriteWAVTo(&buf, samples, p)
	return buf.Bytes()
}

// WriteWAVTo writes samples to out as a WAV stream.
func WriteWAVTo(out io.Writer, samples []int16, p Params) error {
	dataSize := uint32(2 * len(samples))
	blockAlign := uint16(p.blockAlign())
	byteRate := uint32(p.SampleRateHz) * uint32(blockAlign)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	fmtChunk := []any{
		uint32(16),
		uint16(pcmFormatTag),
		uint16(p.Channels),
		uint32(p.SampleRateHz),
		byteRate,
		blockAlign,
		uint16(p.BitsPerSample),
	}
	for _, v := range fmtChunk {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, samples); err != nil {
		return err
	}
	return w.Flush()
}

var ErrInvalidHeader = errors.New("invalid wav header")

// DecodeHeader parses a canonical 44-byte header and returns its layout and
// the declared data length.
func DecodeHeader(data []byte) (Params, int, error) {
	if len(data) < HeaderSize {
		return Params{}, 0, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" ||
		string(data[12:16]) != "fmt " || string(data[36:40]) != "data" {
		return Params{}, 0, fmt.Errorf("%w: bad chunk ids", ErrInvalidHeader)
	}
	le := binary.LittleEndian
	if le.Uint32(data[16:20]) != 16 || le.Uint16(data[20:22]) != pcmFormatTag {
		return Params{}, 0, fmt.Errorf("%w: not pcm", ErrInvalidHeader)
	}
	p := Params{
		Channels:      int(le.Uint16(data[22:24])),
		SampleRateHz:  int(le.Uint32(data[24:28])),
		BitsPerSample: int(le.Uint16(data[34:36])),
	}
	if int(le.Uint32(data[28:32])) != p.SampleRateHz*p.blockAlign() ||
		int(le.Uint16(data[32:34])) != p.blockAlign() {
		return Params{}, 0, fmt.Errorf("%w: inconsistent rate fields", ErrInvalidHeader)
	}
	dataLen := int(le.Uint32(data[40:44]))
	if int(le.Uint32(data[4:8])) != 36+dataLen {
		return Params{}, 0, fmt.Errorf("%w: riff size mismatch", ErrInvalidHeader)
	}
	return p, dataLen, nil
}
