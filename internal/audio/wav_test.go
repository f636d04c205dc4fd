package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeWAVLengthAndHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		params  Params
		samples []int16
	}{
		{"nominal", DefaultParams(), []int16{0, 1, -1, 32767, -32768}},
		{"stereo", Params{SampleRateHz: 44100, Channels: 2, BitsPerSample: 16}, []int16{10, -10, 20, -20}},
		{"narrowband", Params{SampleRateHz: 8000, Channels: 1, BitsPerSample: 16}, []int16{42}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := EncodeWAV(tc.samples, tc.params)
			if got, want := len(out), HeaderSize+2*len(tc.samples); got != want {
				t.Fatalf("len = %d, want %d", got, want)
			}
			p, dataLen, err := DecodeHeader(out)
			if err != nil {
				t.Fatalf("DecodeHeader() error = %v", err)
			}
			if p != tc.params {
				t.Fatalf("params = %+v, want %+v", p, tc.params)
			}
			if dataLen != 2*len(tc.samples) {
				t.Fatalf("dataLen = %d, want %d", dataLen, 2*len(tc.samples))
			}
			if got := PCM16FromBytes(out[HeaderSize:]); !equalSamples(got, tc.samples) {
				t.Fatalf("samples = %v, want %v", got, tc.samples)
			}
		})
	}
}

func TestEncodeWAVHeaderFields(t *testing.T) {
	p := DefaultParams()
	out := EncodeWAV([]int16{1, 2, 3}, p)
	le := binary.LittleEndian

	if string(out[0:4]) != "RIFF" || string(out[8:12]) != "WAVE" || string(out[12:16]) != "fmt " || string(out[36:40]) != "data" {
		t.Fatalf("unexpected chunk ids: %q", out[:HeaderSize])
	}
	if got := le.Uint32(out[4:8]); got != uint32(len(out)-8) {
		t.Fatalf("riff size = %d, want %d", got, len(out)-8)
	}
	if got := le.Uint16(out[20:22]); got != 1 {
		t.Fatalf("format tag = %d, want 1", got)
	}
	if got := le.Uint32(out[28:32]); got != 48000 {
		t.Fatalf("byte rate = %d, want 48000", got)
	}
	if got := le.Uint16(out[32:34]); got != 2 {
		t.Fatalf("block align = %d, want 2", got)
	}
	if got := le.Uint32(out[40:44]); got != 6 {
		t.Fatalf("data length = %d, want 6", got)
	}
}

func TestEncodeWAVDeterministic(t *testing.T) {
	samples := []int16{5, -5, 1000, -1000, 0}
	a := EncodeWAV(samples, DefaultParams())
	b := EncodeWAV(samples, DefaultParams())
	if !bytes.Equal(a, b) {
		t.Fatalf("encoding is not deterministic")
	}
}

func TestDecodeHeaderRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeHeader([]byte("short")); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("error = %v, want ErrInvalidHeader", err)
	}
	bad := EncodeWAV([]int16{1}, DefaultParams())
	copy(bad[0:4], "RIFX")
	if _, _, err := DecodeHeader(bad); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("error = %v, want ErrInvalidHeader", err)
	}
}

func TestParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("DefaultParams().Validate() error = %v", err)
	}
	for _, p := range []Params{
		{SampleRateHz: 0, Channels: 1, BitsPerSample: 16},
		{SampleRateHz: 16000, Channels: 0, BitsPerSample: 16},
		{SampleRateHz: 16000, Channels: 1, BitsPerSample: 8},
	} {
		if err := p.Validate(); err == nil {
			t.Fatalf("Validate(%+v) expected error", p)
		}
	}
}

func TestSplitChunksPreservesOrderAndAlignment(t *testing.T) {
	data := make([]byte, 11)
	for i := range data {
		data[i] = byte(i)
	}
	mono := DefaultParams()
	chunks := mono.SplitChunks(data, 5)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for i, c := range chunks[:len(chunks)-1] {
		if len(c) != 4 {
			t.Fatalf("chunk %d len = %d, want 4", i, len(c))
		}
	}
	if !bytes.Equal(bytes.Join(chunks, nil), data) {
		t.Fatalf("rejoined chunks differ from input")
	}
	if got := mono.SplitChunks(nil, 4); got != nil {
		t.Fatalf("SplitChunks(nil) = %v, want nil", got)
	}
	if got := mono.SplitChunks(data, 0); len(got) != 1 {
		t.Fatalf("SplitChunks(size=0) = %d chunks, want 1", len(got))
	}
}

func TestSplitChunksKeepsStereoFramesWhole(t *testing.T) {
	stereo := Params{SampleRateHz: 24000, Channels: 2, BitsPerSample: 16}
	data := make([]byte, 24)
	chunks := stereo.SplitChunks(data, 6)
	if len(chunks) != 6 {
		t.Fatalf("chunks = %d, want 6", len(chunks))
	}
	for i, c := range chunks {
		if len(c)%4 != 0 {
			t.Fatalf("chunk %d len = %d splits a stereo frame", i, len(c))
		}
	}
	if got := stereo.SplitChunks(data, 3); len(got) != 6 {
		t.Fatalf("SplitChunks(size below one frame) = %d chunks, want 6", len(got))
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(make([]int16, 10)); got != 0 {
		t.Fatalf("RMS(silence) = %v, want 0", got)
	}
	if got := RMS([]int16{100, -100}); got != 100 {
		t.Fatalf("RMS = %v, want 100", got)
	}
}

func equalSamples(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
