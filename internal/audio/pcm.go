package audio

import (
	"encoding/binary"
	"math"
)

// PCM16FromBytes decodes little-endian 16-bit samples. A trailing odd byte is
// dropped.
func PCM16FromBytes(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// SplitChunks slices data into pieces of at most size bytes, in order. The
// size is rounded down to whole frames, but never below one frame, so no
// frame straddles two chunks and channels never swap.
func (p Params) SplitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if frame := p.blockAlign(); frame > 0 && size > 0 {
		size = max(size-size%frame, frame)
	}
	if size <= 0 || size >= len(data) {
		return [][]byte{data}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// RMS returns the root-mean-square energy of samples in 16-bit PCM units.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
