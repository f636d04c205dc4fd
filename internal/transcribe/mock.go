package transcribe

import (
	"context"
	"fmt"

	"github.com/ent0n29/voxrelay/internal/audio"
	"github.com/ent0n29/voxrelay/internal/reliability"
)

// silenceRMS is the level below which the mock reports no speech.
const silenceRMS = 200

// Mock reports the duration of non-silent audio and empty text for silence.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Transcribe(ctx context.Context, wav []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, reliability.Upstream("mock transcribe", err)
	}
	if carriesNoAudio(wav) {
		return Result{IsFinal: true}, nil
	}
	p, dataLen, err := audio.DecodeHeader(wav)
	if err != nil {
		return Result{}, reliability.Wrap(reliability.KindUpstreamRejected, "mock transcribe", err)
	}
	end := audio.HeaderSize + dataLen
	if end > len(wav) {
		end = len(wav)
	}
	samples := audio.PCM16FromBytes(wav[audio.HeaderSize:end])
	if len(samples) == 0 || audio.RMS(samples) < silenceRMS {
		return Result{IsFinal: true}, nil
	}
	frames := len(samples) / p.Channels
	ms := frames * 1000 / p.SampleRateHz
	return Result{Text: fmt.Sprintf("[speech %dms]", ms), IsFinal: true}, nil
}
