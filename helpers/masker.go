package helpers

import "strings"

// MaskSensitive redacts credentials from an SMTP command line before it is logged.
// "AUTH PLAIN <data>" keeps the mechanism and hides the data. Continuation
// lines of an AUTH exchange should be masked by the caller entirely.
func MaskSensitive(line string) string {
	parts := strings.Fields(line)
	if len(parts) < 1 || !strings.EqualFold(parts[0], "AUTH") {
		return line
	}

	// AUTH <mech> is safe to log, anything after the mechanism is credential data.
	if len(parts) > 2 {
		return strings.Join(parts[:2], " ") + " [REDACTED]"
	}
	return line
}
