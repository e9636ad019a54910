package util

import (
	"regexp"
)

// Appointment, host and participant ids come from the scheduling layer;
// they are opaque but must be safe to log and to embed in channel names.
var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

func IsValidIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}
