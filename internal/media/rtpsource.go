package media

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/meshmeet/meshmeet/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media"
)

// displayIdleTimeout ends the display source when the feeder stops
// pushing packets, which is how "user stopped sharing" is observed.
const displayIdleTimeout = 3 * time.Second

// RTPDevice reads capture streams as RTP over local UDP sockets, the
// usual contract with an external encoder (ffmpeg, gstreamer).
type RTPDevice struct {
	CameraAddr     string
	MicrophoneAddr string
	DisplayAddr    string
}

func (d RTPDevice) OpenCamera(p core.VideoProfile) (core.CaptureSource, error) {
	return listenRTP(d.CameraAddr, time.Second/time.Duration(p.FrameRate), 0)
}

func (d RTPDevice) OpenMicrophone(core.AudioProfile) (core.CaptureSource, error) {
	return listenRTP(d.MicrophoneAddr, 20*time.Millisecond, 0)
}

func (d RTPDevice) OpenDisplay() (core.CaptureSource, error) {
	return listenRTP(d.DisplayAddr, time.Second/30, displayIdleTimeout)
}

func listenRTP(addr string, frameDuration, idleTimeout time.Duration) (*rtpSource, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &rtpSource{conn: conn, frameDuration: frameDuration, idleTimeout: idleTimeout}, nil
}

type rtpSource struct {
	conn          *net.UDPConn
	frameDuration time.Duration
	idleTimeout   time.Duration
	buf           [1500]byte
}

func (s *rtpSource) ReadSample() (media.Sample, error) {
	if s.idleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	}
	n, _, err := s.conn.ReadFromUDP(s.buf[:])
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return media.Sample{}, io.EOF
		}
		if errors.Is(err, net.ErrClosed) {
			return media.Sample{}, io.EOF
		}
		return media.Sample{}, err
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(s.buf[:n]); err != nil {
		return media.Sample{}, fmt.Errorf("unmarshal rtp: %w", err)
	}
	data := make([]byte, len(pkt.Payload))
	copy(data, pkt.Payload)
	return media.Sample{Data: data, Duration: s.frameDuration, Timestamp: time.Now()}, nil
}

func (s *rtpSource) Close() error {
	return s.conn.Close()
}
