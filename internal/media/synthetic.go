package media

import (
	"context"
	"io"
	"time"

	"github.com/meshmeet/meshmeet/internal/core"
	"github.com/pion/webrtc/v4/pkg/media"
)

// SyntheticDevice produces blank I420 video frames and silent audio
// frames at the profile rate. Used for development without capture
// hardware and by the package tests.
type SyntheticDevice struct{}

func (SyntheticDevice) OpenCamera(p core.VideoProfile) (core.CaptureSource, error) {
	return newSyntheticSource(frameSizeI420(p.Width, p.Height), time.Second/time.Duration(p.FrameRate)), nil
}

func (SyntheticDevice) OpenMicrophone(p core.AudioProfile) (core.CaptureSource, error) {
	// 20 ms of 16-bit PCM frames.
	size := p.SampleRate / 50 * p.Channels * 2
	return newSyntheticSource(size, 20*time.Millisecond), nil
}

func (SyntheticDevice) OpenDisplay() (core.CaptureSource, error) {
	return newSyntheticSource(frameSizeI420(1280, 720), time.Second/30), nil
}

func frameSizeI420(w, h int) int { return w * h * 3 / 2 }

type syntheticSource struct {
	size     int
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
}

func newSyntheticSource(size int, interval time.Duration) *syntheticSource {
	ctx, cancel := context.WithCancel(context.Background())
	return &syntheticSource{size: size, interval: interval, ctx: ctx, cancel: cancel}
}

func (s *syntheticSource) ReadSample() (media.Sample, error) {
	select {
	case <-s.ctx.Done():
		return media.Sample{}, io.EOF
	case <-time.After(s.interval):
	}
	return media.Sample{Data: make([]byte, s.size), Duration: s.interval, Timestamp: time.Now()}, nil
}

func (s *syntheticSource) Close() error {
	s.cancel()
	return nil
}
