package util

import (
	"regexp"
)

var (
	uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	e164Regex = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)
)

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	return uuidRegex.MatchString(s)
}

// IsE164 reports whether s is a phone number in international format,
// e.g. +15551234567.
func IsE164(s string) bool {
	return e164Regex.MatchString(s)
}

var ownerIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,128}$`)

// IsValidOwnerID accepts the opaque owner identifiers issued by the control plane.
func IsValidOwnerID(s string) bool {
	return ownerIDRegex.MatchString(s)
}
