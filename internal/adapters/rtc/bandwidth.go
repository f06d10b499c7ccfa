package rtc

import (
	"fmt"
	"strings"
)

// capBandwidth inserts b=AS lines after each media section so the
// negotiated streams honor the fixed quality caps. Existing b= lines
// in the section are replaced.
func capBandwidth(sdp string, videoKbps, audioKbps int) string {
	lines := strings.Split(sdp, "\r\n")
	out := make([]string, 0, len(lines)+2)
	pending := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "b=AS:") && pending == 0 {
			continue
		}
		out = append(out, line)
		switch {
		case strings.HasPrefix(line, "m=video"):
			pending = videoKbps
		case strings.HasPrefix(line, "m=audio"):
			pending = audioKbps
		case strings.HasPrefix(line, "c=") && pending > 0:
			out = append(out, fmt.Sprintf("b=AS:%d", pending))
			pending = 0
		}
	}
	return strings.Join(out, "\r\n")
}
