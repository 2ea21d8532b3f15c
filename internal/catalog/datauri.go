package catalog

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

var dataURIRe = regexp.MustCompile(`(?i)data:([a-z0-9.+-]+/[a-z0-9.+-]+)?(;[a-z0-9=.-]+)*,`)

// disallowedDataURIMimes blocks MIME types with no legitimate reason to
// appear in tool arguments or resource content.
var disallowedDataURIMimes = map[string]bool{
	"application/javascript":   true,
	"application/ecmascript":   true,
	"application/x-executable": true,
	"application/x-msdownload": true,
	"application/x-sh":         true,
	"text/html":                true,
	"text/javascript":          true,
	"image/svg+xml":            true,
}

// maliciousDecodedMarkers is the curated subset of patterns that, if
// found inside a base64-decoded data URI payload, fail the payload
// outright regardless of which catalog family they'd otherwise match.
var maliciousDecodedMarkers = []string{"<script", "javascript:", "onerror=", "onload="}

// ScanDataURIs finds every data: URI in s and validates it. It returns
// the first failing match, if any.
func ScanDataURIs(s string) (Match, bool) {
	for _, loc := range dataURIRe.FindAllStringSubmatchIndex(s, -1) {
		full := s[loc[0]:loc[1]]
		mime := ""
		if loc[2] >= 0 {
			mime = strings.ToLower(s[loc[2]:loc[3]])
		}
		params := ""
		if loc[4] >= 0 {
			params = strings.ToLower(s[loc[4]:loc[5]])
		}

		if disallowedDataURIMimes[mime] {
			return Match{
				Name:          "disallowed-data-uri-mime",
				Severity:      valtypes.SeverityHigh,
				ViolationType: valtypes.ViolationDangerousDataURI,
				Confidence:    0.9,
				Category:      "dataValidation",
				Pattern:       mime,
			}, true
		}

		payloadStart := loc[1]
		payloadEnd := findPayloadEnd(s, payloadStart)
		payload := s[payloadStart:payloadEnd]

		if strings.Contains(params, "base64") {
			decoded, ok := decodeBase64Payload(payload)
			if !ok {
				return Match{
					Name:          "malformed-base64-data-uri",
					Severity:      valtypes.SeverityMedium,
					ViolationType: valtypes.ViolationBase64Injection,
					Confidence:    0.7,
					Category:      "dataValidation",
					Pattern:       full,
				}, true
			}
			if strings.Contains(strings.ToLower(decoded), "data:") {
				return Match{
					Name:          "nested-data-uri",
					Severity:      valtypes.SeverityHigh,
					ViolationType: valtypes.ViolationNestedDataURI,
					Confidence:    0.85,
					Category:      "dataValidation",
					Pattern:       full,
				}, true
			}
			lowerDecoded := strings.ToLower(decoded)
			for _, marker := range maliciousDecodedMarkers {
				if strings.Contains(lowerDecoded, marker) {
					return Match{
						Name:          "malicious-decoded-base64-payload",
						Severity:      valtypes.SeverityCritical,
						ViolationType: valtypes.ViolationBase64Injection,
						Confidence:    0.9,
						Category:      "dataValidation",
						Pattern:       marker,
					}, true
				}
			}
		}
	}
	return Match{}, false
}

func findPayloadEnd(s string, start int) int {
	for i := start; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r', '"', '\'':
			return i
		}
	}
	return len(s)
}

// decodeBase64Payload tries UTF-8 (the decoded bytes are already valid
// UTF-8, no transform needed) then falls back to treating the bytes as
// Latin-1.
func decodeBase64Payload(payload string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return "", false
		}
	}
	if isValidUTF8(raw) {
		return string(raw), true
	}
	return latin1ToUTF8(raw), true
}

func isValidUTF8(b []byte) bool {
	for i := 0; i < len(b); {
		r := b[i]
		switch {
		case r < 0x80:
			i++
		case r&0xE0 == 0xC0:
			if i+1 >= len(b) || b[i+1]&0xC0 != 0x80 {
				return false
			}
			i += 2
		case r&0xF0 == 0xE0:
			if i+2 >= len(b) || b[i+1]&0xC0 != 0x80 || b[i+2]&0xC0 != 0x80 {
				return false
			}
			i += 3
		case r&0xF8 == 0xF0:
			if i+3 >= len(b) || b[i+1]&0xC0 != 0x80 || b[i+2]&0xC0 != 0x80 || b[i+3]&0xC0 != 0x80 {
				return false
			}
			i += 4
		default:
			return false
		}
	}
	return true
}

func latin1ToUTF8(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}
