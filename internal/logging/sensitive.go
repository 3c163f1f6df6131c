// Package logging provides logging utilities for the gateway.
package logging

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
)

// SensitiveFields contains field names whose values must be masked in logs.
var SensitiveFields = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"secret":        true,
	"token":         true,
	"password":      true,
	"verifier":      true,
	"salt":          true,
	"authorization": true,
	"vault_token":   true,
	"session_id":    true,
	"credentials":   true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// MaskSensitiveValue masks a value if the field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" {
		return value
	}

	lowerField := strings.ToLower(fieldName)

	if SensitiveFields[lowerField] {
		return MaskedValue
	}

	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return MaskedValue
		}
	}

	return value
}

// MaskSensitiveMap returns a copy of the map with sensitive values masked.
// Safe to pass to slog as a single attribute.
func MaskSensitiveMap(fields map[string]string) map[string]string {
	masked := make(map[string]string, len(fields))
	for k, v := range fields {
		masked[k] = MaskSensitiveValue(k, v)
	}
	return masked
}

// MaskAttr is a slog ReplaceAttr hook that masks sensitive string
// attributes before they reach the handler.
func MaskAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		a.Value = slog.StringValue(MaskSensitiveValue(a.Key, a.Value.String()))
	}
	return a
}

// Fingerprint returns a short, non-reversible identifier for a secret,
// suitable for correlating log lines without exposing the value.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	h := sha256.Sum256([]byte(secret))
	return fmt.Sprintf("sha256:%x", h[:4])
}
