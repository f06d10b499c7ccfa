package media

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
)

func i420Frame(w, h int, luma byte) media.Sample {
	data := make([]byte, w*h*3/2)
	for i := 0; i < w*h; i++ {
		data[i] = luma
	}
	return media.Sample{Data: data, Duration: 33 * time.Millisecond}
}

func TestBoxBlurPreservesUniformFrame(t *testing.T) {
	b := NewBoxBlur(8, 8, 2)
	in := i420Frame(8, 8, 120)

	out := b.Apply(in)

	assert.Len(t, out.Data, len(in.Data))
	for i := 0; i < 8*8; i++ {
		assert.Equal(t, byte(120), out.Data[i])
	}
}

func TestBoxBlurSmoothsEdge(t *testing.T) {
	w, h := 8, 8
	b := NewBoxBlur(w, h, 1)
	in := i420Frame(w, h, 0)
	// Single bright pixel in the middle spreads to its neighborhood.
	in.Data[3*w+3] = 255

	out := b.Apply(in)

	assert.Less(t, out.Data[3*w+3], byte(255))
	assert.Greater(t, out.Data[3*w+4], byte(0))
}

func TestBoxBlurDoesNotMutateInput(t *testing.T) {
	w, h := 8, 8
	b := NewBoxBlur(w, h, 1)
	in := i420Frame(w, h, 0)
	in.Data[0] = 200

	_ = b.Apply(in)

	assert.Equal(t, byte(200), in.Data[0])
}

func TestBoxBlurZeroRadiusIsIdentity(t *testing.T) {
	b := NewBoxBlur(8, 8, 0)
	in := i420Frame(8, 8, 42)

	out := b.Apply(in)

	assert.Equal(t, in.Data, out.Data)
}

func TestBoxBlurSkipsShortFrames(t *testing.T) {
	b := NewBoxBlur(1280, 720, 4)
	in := media.Sample{Data: make([]byte, 64)}

	out := b.Apply(in)

	assert.Equal(t, in.Data, out.Data)
}
