package core

import (
	"github.com/pion/webrtc/v4/pkg/media"
)

// VideoProfile is the fixed local capture quality profile.
type VideoProfile struct {
	Width, Height  int
	FrameRate      int
	MaxBitrateKbps int
}

// AudioProfile mirrors VideoProfile for the audio capture path.
type AudioProfile struct {
	SampleRate       int
	Channels         int
	MaxBitrateKbps   int
	EchoCancellation bool
	NoiseSuppression bool
}

// CaptureSource delivers a stream of media samples from one device.
// ReadSample blocks until a sample is available or the source ends,
// in which case it returns io.EOF.
type CaptureSource interface {
	ReadSample() (media.Sample, error)
	Close() error
}

// CaptureDevice opens local capture sources. Injectable so the
// pipeline never binds to concrete hardware.
type CaptureDevice interface {
	OpenCamera(VideoProfile) (CaptureSource, error)
	OpenMicrophone(AudioProfile) (CaptureSource, error)
	OpenDisplay() (CaptureSource, error)
}

// FrameTransform is an injectable per-frame processing strategy.
// The shipped implementation is a cosmetic box blur; real
// segmentation can replace it without touching the coordinator.
type FrameTransform interface {
	Apply(media.Sample) media.Sample
}
