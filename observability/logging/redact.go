package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secret material in emitted records.
const RedactedValue = "[REDACTED]"

// sensitiveKeys name attributes that must never reach a log sink. A key also
// matches when it ends in "_" followed by one of these, e.g. hmac_secret.
var sensitiveKeys = []string{
	"credential",
	"secret",
	"password",
	"private_key",
	"privkey",
	"wif",
	"token",
	"authorization",
	"api_key",
}

// Sensitive reports whether key names secret material.
func Sensitive(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, s := range sensitiveKeys {
		if k == s || strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	return false
}

// redact masks sensitive attributes however they were attached to a record.
func redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup || !Sensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
