package logging

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// urlPattern matches endpoints embedded in transport error strings, e.g.
// `Post "https://rpc.example/v3/<key>": dial tcp ...`.
var urlPattern = regexp.MustCompile(`(?i)\b(?:https?|wss?)://[^\s"'<>]+`)

// RedactURL keeps the scheme and host of raw and masks credentials, path and
// query, where RPC providers carry API keys. Unparseable input is masked
// entirely.
func RedactURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return RedactedValue
	}
	out := parsed.Scheme + "://" + parsed.Host
	if parsed.User != nil || (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" {
		out += "/" + RedactedValue
	}
	return out
}

// ScrubText masks every URL found in text.
func ScrubText(text string) string {
	return urlPattern.ReplaceAllStringFunc(text, RedactURL)
}

// URL returns a slog attribute carrying a redacted endpoint.
func URL(key, raw string) slog.Attr {
	return slog.String(key, RedactURL(raw))
}

// Error returns a slog attribute carrying err with embedded endpoints masked.
func Error(key string, err error) slog.Attr {
	if err == nil {
		return slog.String(key, "")
	}
	return slog.String(key, ScrubText(err.Error()))
}

// MaskAddress shortens a hex account address to its prefix and last four
// characters so contributors stay correlatable across log lines without
// emitting the full identifier.
func MaskAddress(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return trimmed
	}
	body := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(body) <= 8 {
		return RedactedValue
	}
	return "0x" + body[:4] + "…" + body[len(body)-4:]
}

// Address returns a slog attribute carrying a masked account address.
func Address(key, address string) slog.Attr {
	return slog.String(key, MaskAddress(address))
}
