// Package media owns local capture and outgoing track substitution.
// Substitution (screen share, background blur) swaps the track on
// every live sender in place: it never renegotiates and never emits
// signaling.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/meshmeet/meshmeet/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func DefaultVideoProfile() core.VideoProfile {
	return core.VideoProfile{Width: 1280, Height: 720, FrameRate: 30, MaxBitrateKbps: 2500}
}

func DefaultAudioProfile() core.AudioProfile {
	return core.AudioProfile{
		SampleRate:       48000,
		Channels:         2,
		MaxBitrateKbps:   128,
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// Notifier broadcasts the informational MediaStateChanged event.
// Receivers only observe it; nothing is enforced remotely.
type Notifier func(audioEnabled, videoEnabled bool)

// LocalStream is the caller-facing handle to the local tracks, e.g.
// for a preview tile.
type LocalStream struct {
	Video *webrtc.TrackLocalStaticSample
	Audio *webrtc.TrackLocalStaticSample
}

// Pipeline drives capture sources into local tracks and substitutes
// the outgoing video track across all connections.
type Pipeline struct {
	dev       core.CaptureDevice
	links     core.LinkSet
	video     core.VideoProfile
	audio     core.AudioProfile
	transform core.FrameTransform
	notify    Notifier

	audioEnabled atomic.Bool
	videoEnabled atomic.Bool

	mu             sync.Mutex
	cameraTrack    *webrtc.TrackLocalStaticSample
	processedTrack *webrtc.TrackLocalStaticSample
	screenTrack    *webrtc.TrackLocalStaticSample
	audioTrack     *webrtc.TrackLocalStaticSample
	cameraSource   core.CaptureSource
	micSource      core.CaptureSource
	screenSource   core.CaptureSource
	cameraCancel   context.CancelFunc
	blurEnabled    bool
	sharing        bool
	closed         bool
}

func NewPipeline(dev core.CaptureDevice, links core.LinkSet, video core.VideoProfile, audio core.AudioProfile, transform core.FrameTransform, notify Notifier) *Pipeline {
	p := &Pipeline{
		dev:       dev,
		links:     links,
		video:     video,
		audio:     audio,
		transform: transform,
		notify:    notify,
	}
	p.audioEnabled.Store(true)
	p.videoEnabled.Store(true)
	return p
}

// InitializeCapture acquires local capture with the fixed quality
// profile. Device failures are fatal to this call and surfaced; they
// are never auto-retried. If blur is already enabled the processed
// path is set up before returning.
func (p *Pipeline) InitializeCapture(ctx context.Context, video, audio bool) (*LocalStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("pipeline closed")
	}

	if video {
		src, err := p.dev.OpenCamera(p.video)
		if err != nil {
			return nil, fmt.Errorf("%w: camera: %v", core.ErrDeviceAccess, err)
		}
		track, err := newVideoTrack("camera")
		if err != nil {
			_ = src.Close()
			return nil, err
		}
		p.cameraSource = src
		p.cameraTrack = track
		if p.blurEnabled {
			if err := p.startProcessedLocked(ctx); err != nil {
				return nil, err
			}
		} else {
			p.startVideoPumpLocked(ctx, src, track, nil)
		}
	}

	if audio {
		src, err := p.dev.OpenMicrophone(p.audio)
		if err != nil {
			return nil, fmt.Errorf("%w: microphone: %v", core.ErrDeviceAccess, err)
		}
		track, err := newAudioTrack()
		if err != nil {
			_ = src.Close()
			return nil, err
		}
		p.micSource = src
		p.audioTrack = track
		go p.pump(ctx, src, track, nil, &p.audioEnabled, nil)
	}

	return &LocalStream{Video: p.outgoingVideoLocked(), Audio: p.audioTrack}, nil
}

// CurrentTracks is what the coordinator attaches to a fresh link.
func (p *Pipeline) CurrentTracks() (video, audio webrtc.TrackLocal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t := p.outgoingVideoLocked(); t != nil {
		video = t
	}
	if p.audioTrack != nil {
		audio = p.audioTrack
	}
	return video, audio
}

// ToggleAudio flips the enabled flag in place; the track stays
// attached, so no renegotiation happens.
func (p *Pipeline) ToggleAudio(enabled bool) {
	p.audioEnabled.Store(enabled)
	if p.notify != nil {
		p.notify(enabled, p.videoEnabled.Load())
	}
}

func (p *Pipeline) ToggleVideo(enabled bool) {
	p.videoEnabled.Store(enabled)
	if p.notify != nil {
		p.notify(p.audioEnabled.Load(), enabled)
	}
}

// StartScreenShare captures the display and replaces the outgoing
// video track on every attached connection. When the display source
// ends (user stops sharing externally) the camera track is swapped
// back in automatically.
func (p *Pipeline) StartScreenShare(ctx context.Context) (*LocalStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sharing {
		return &LocalStream{Video: p.screenTrack, Audio: p.audioTrack}, nil
	}

	src, err := p.dev.OpenDisplay()
	if err != nil {
		return nil, fmt.Errorf("%w: display: %v", core.ErrDeviceAccess, err)
	}
	track, err := newVideoTrack("screen")
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	p.screenSource = src
	p.screenTrack = track
	p.sharing = true

	go p.pump(ctx, src, track, nil, &p.videoEnabled, p.stopScreenShare)
	p.substituteLocked(track)
	log.Info().Str("module", "media").Msg("screen share started")
	return &LocalStream{Video: track, Audio: p.audioTrack}, nil
}

func (p *Pipeline) stopScreenShare() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sharing {
		return
	}
	p.sharing = false
	if p.screenSource != nil {
		_ = p.screenSource.Close()
		p.screenSource = nil
	}
	p.screenTrack = nil
	p.substituteLocked(p.outgoingVideoLocked())
	log.Info().Str("module", "media").Msg("screen share stopped, camera restored")
}

// ToggleBackgroundBlur routes camera frames through the injected
// transform and substitutes the processed track; disabling reacquires
// a clean capture stream and substitutes it back.
func (p *Pipeline) ToggleBackgroundBlur(ctx context.Context, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blurEnabled == enabled {
		return nil
	}
	p.blurEnabled = enabled

	if p.cameraTrack == nil {
		// Capture not initialized yet; the flag applies at init time.
		return nil
	}

	if enabled {
		if err := p.startProcessedLocked(ctx); err != nil {
			return err
		}
	} else {
		p.stopVideoPumpLocked()
		if p.cameraSource != nil {
			_ = p.cameraSource.Close()
		}
		src, err := p.dev.OpenCamera(p.video)
		if err != nil {
			return fmt.Errorf("%w: camera: %v", core.ErrDeviceAccess, err)
		}
		p.cameraSource = src
		p.startVideoPumpLocked(ctx, src, p.cameraTrack, nil)
	}

	if !p.sharing {
		p.substituteLocked(p.outgoingVideoLocked())
	}
	return nil
}

// startProcessedLocked retargets the camera pump through the frame
// transform into the processed track.
func (p *Pipeline) startProcessedLocked(ctx context.Context) error {
	if p.processedTrack == nil {
		track, err := newVideoTrack("camera-processed")
		if err != nil {
			return err
		}
		p.processedTrack = track
	}
	p.stopVideoPumpLocked()
	p.startVideoPumpLocked(ctx, p.cameraSource, p.processedTrack, p.transform)
	return nil
}

func (p *Pipeline) startVideoPumpLocked(ctx context.Context, src core.CaptureSource, track *webrtc.TrackLocalStaticSample, tf core.FrameTransform) {
	ctx, cancel := context.WithCancel(ctx)
	p.cameraCancel = cancel
	go p.pump(ctx, src, track, tf, &p.videoEnabled, nil)
}

func (p *Pipeline) stopVideoPumpLocked() {
	if p.cameraCancel != nil {
		p.cameraCancel()
		p.cameraCancel = nil
	}
}

// outgoingVideoLocked is the track every connection should currently
// be sending: screen while sharing, processed while blurred, camera
// otherwise.
func (p *Pipeline) outgoingVideoLocked() *webrtc.TrackLocalStaticSample {
	switch {
	case p.sharing && p.screenTrack != nil:
		return p.screenTrack
	case p.blurEnabled && p.processedTrack != nil:
		return p.processedTrack
	default:
		return p.cameraTrack
	}
}

// substituteLocked swaps the outgoing video track on every live link.
// Purely sender-side: negotiation state is untouched and no signaling
// is emitted.
func (p *Pipeline) substituteLocked(track *webrtc.TrackLocalStaticSample) {
	if track == nil || p.links == nil {
		return
	}
	for _, l := range p.links.Links() {
		if err := l.ReplaceVideoTrack(track); err != nil {
			log.Warn().Err(err).Str("module", "media").Msg("track substitution failed")
		}
	}
}

func (p *Pipeline) pump(ctx context.Context, src core.CaptureSource, track *webrtc.TrackLocalStaticSample, tf core.FrameTransform, enabled *atomic.Bool, onEnd func()) {
	for {
		if ctx.Err() != nil {
			return
		}
		sample, err := src.ReadSample()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if onEnd != nil {
					onEnd()
				}
				return
			}
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "media").Msg("capture read failed")
			}
			return
		}
		if !enabled.Load() {
			continue
		}
		if tf != nil {
			sample = tf.Apply(sample)
		}
		if err := track.WriteSample(sample); err != nil {
			log.Warn().Err(err).Str("module", "media").Msg("write sample failed")
		}
	}
}

// Close tears down all sources and pumps. Idempotent.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.stopVideoPumpLocked()
	for _, src := range []core.CaptureSource{p.cameraSource, p.micSource, p.screenSource} {
		if src != nil {
			_ = src.Close()
		}
	}
	p.cameraSource, p.micSource, p.screenSource = nil, nil, nil
}

func newVideoTrack(id string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		id, "meshmeet",
	)
}

func newAudioTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"microphone", "meshmeet",
	)
}
