package patient

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	dottedRUT = regexp.MustCompile(`^\d{1,3}(\.\d{3}){2}-[\dkK]$`)
	plainRUT  = regexp.MustCompile(`^\d{7,8}-[\dkK]$`)
)

// NormalizeIdentity reduces a national identifier to its comparable key:
// every non-alphanumeric rune is dropped and letters are upper-cased, so
// "12.345.678-k" and "12345678K" share the key "12345678K".
func NormalizeIdentity(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsDigit(r) || unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// ValidRUT reports whether raw is written as 12.345.678-9 or 12345678-9.
// The check digit is not verified.
func ValidRUT(raw string) bool {
	return dottedRUT.MatchString(raw) || plainRUT.MatchString(raw)
}

// FormatRUT writes an identity key back in plain RUT form, 12345678-9.
// Keys too short to carry a check digit are returned unchanged.
func FormatRUT(key string) string {
	if len(key) < 2 {
		return key
	}
	return key[:len(key)-1] + "-" + key[len(key)-1:]
}
