package serialdriver

import (
	"strings"
)

// probeReplyPrefixes are the line starts that prove a firmware is talking
// at the probed baud rate.
var probeReplyPrefixes = []string{"ok", "echo:", "error:", "start"}

// IsAcknowledgement reports whether line releases the next queued command.
func IsAcknowledgement(line string) bool {
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "ok" || strings.HasPrefix(line, "ok ") || strings.HasPrefix(line, "ok:")
}

func IsTemperatureReport(line string) bool {
	return strings.Contains(line, "T:") || strings.Contains(line, "B:")
}

// IsProbeReply reports whether line is a plausible firmware answer.
func IsProbeReply(line string) bool {
	line = strings.TrimSpace(line)
	if strings.Contains(line, "T:") {
		return true
	}
	lower := strings.ToLower(line)
	for _, p := range probeReplyPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
