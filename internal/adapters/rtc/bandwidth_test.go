package rtc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func TestCapBandwidthInsertsPerSection(t *testing.T) {
	out := capBandwidth(sampleSDP, 2500, 128)

	lines := strings.Split(out, "\r\n")
	var got []string
	for i, line := range lines {
		if strings.HasPrefix(line, "b=AS:") {
			got = append(got, lines[i-1]+" | "+line)
		}
	}
	assert.Equal(t, []string{
		"c=IN IP4 0.0.0.0 | b=AS:128",
		"c=IN IP4 0.0.0.0 | b=AS:2500",
	}, got)
}

func TestCapBandwidthReplacesExistingCap(t *testing.T) {
	in := "m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"b=AS:9000\r\n" +
		"a=rtpmap:96 VP8/90000\r\n"

	out := capBandwidth(in, 2500, 128)

	assert.NotContains(t, out, "b=AS:9000")
	assert.Equal(t, 1, strings.Count(out, "b=AS:2500"))
}

func TestCapBandwidthLeavesSessionLinesAlone(t *testing.T) {
	in := "v=0\r\ns=-\r\nt=0 0\r\n"

	assert.Equal(t, in, capBandwidth(in, 2500, 128))
}
