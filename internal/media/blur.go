package media

import (
	"github.com/pion/webrtc/v4/pkg/media"
)

// BoxBlur is the shipped FrameTransform: a naive box blur over the
// luma plane of raw I420 frames. A cosmetic approximation of a
// background effect, not segmentation; anything smarter can be
// injected in its place without the rest of the pipeline noticing.
type BoxBlur struct {
	Width, Height int
	Radius        int
}

func NewBoxBlur(width, height, radius int) *BoxBlur {
	return &BoxBlur{Width: width, Height: height, Radius: radius}
}

func (b *BoxBlur) Apply(sample media.Sample) media.Sample {
	lumaSize := b.Width * b.Height
	if b.Radius <= 0 || len(sample.Data) < lumaSize {
		return sample
	}

	out := make([]byte, len(sample.Data))
	copy(out, sample.Data)
	blurPlane(out[:lumaSize], b.Width, b.Height, b.Radius)
	sample.Data = out
	return sample
}

// blurPlane runs a horizontal then a vertical moving-average pass.
func blurPlane(p []byte, w, h, r int) {
	tmp := make([]byte, len(p))
	for y := 0; y < h; y++ {
		row := p[y*w : (y+1)*w]
		dst := tmp[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			sum, n := 0, 0
			for k := x - r; k <= x+r; k++ {
				if k < 0 || k >= w {
					continue
				}
				sum += int(row[k])
				n++
			}
			dst[x] = byte(sum / n)
		}
	}
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			sum, n := 0, 0
			for k := y - r; k <= y+r; k++ {
				if k < 0 || k >= h {
					continue
				}
				sum += int(tmp[k*w+x])
				n++
			}
			p[y*w+x] = byte(sum / n)
		}
	}
}
