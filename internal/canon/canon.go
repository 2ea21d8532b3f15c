// Package canon implements the text canonicalizer: the single pure
// function every content check reads from. It neutralizes encoding-based
// evasion (escape sequences, homoglyphs, HTML entities, multi-pass URL
// encoding, exotic whitespace) before any pattern match runs.
package canon

import (
	"net/url"
	"strconv"
	"strings"

	"regexp"

	"golang.org/x/text/unicode/norm"
)

var (
	unicodeEscapeRe = regexp.MustCompile(`\\u([0-9a-fA-F]{4})`)
	hexEscapeRe     = regexp.MustCompile(`\\x([0-9a-fA-F]{2})`)

	namedEntityRe   = regexp.MustCompile(`&([a-zA-Z][a-zA-Z0-9]*);`)
	decimalEntityRe = regexp.MustCompile(`&#([0-9]+);`)
	hexEntityRe     = regexp.MustCompile(`&#[xX]([0-9a-fA-F]+);`)

	tripleCollapseRe  = regexp.MustCompile(`%252([0-9a-fA-F])`)
	triplePercent2xRe = regexp.MustCompile(`%2525([0-9a-fA-F])`)
	doublePercentRe   = regexp.MustCompile(`%25([0-9a-fA-F]{2})`)
	percentEncodedRe  = regexp.MustCompile(`%[0-9a-fA-F]{2}`)

	maxURLDecodePasses = 8
)

// fullwidthLow/High bound the fullwidth ASCII variants block that folds
// onto plain ASCII with a fixed offset.
const (
	fullwidthLow    = 0xFF01
	fullwidthHigh   = 0xFF5E
	fullwidthOffset = 0xFEE0
)

// zeroWidthRunes are the format/zero-width code points stripped from the
// canonical form: zero-width space/non-joiner/joiner, word joiner, BOM,
// and right-to-left override.
var zeroWidthRunes = map[rune]bool{
	0x200B: true, 0x200C: true, 0x200D: true,
	0x2060: true, 0xFEFF: true, 0x202E: true,
}

// spaceRunes are the Unicode space separators unified to ASCII space.
var spaceRunes = map[rune]bool{
	0x00A0: true, 0x1680: true, 0x205F: true, 0x3000: true,
}

func isUnicodeSpace(r rune) bool {
	if spaceRunes[r] {
		return true
	}
	return r >= 0x2000 && r <= 0x200A
}

// namedEntities covers the small set of named HTML entities attack
// payloads commonly rely on; a full table is unnecessary since anything
// else either round-trips unharmed or is already numeric.
var namedEntities = map[string]string{
	"amp":    "&",
	"lt":     "<",
	"gt":     ">",
	"quot":   "\"",
	"apos":   "'",
	"nbsp":   " ",
	"colon":  ":",
	"sol":    "/",
	"bsol":   "\\",
	"equals": "=",
}

// Canonicalize applies the fixed transform pipeline described by the
// core's content layer. It is total (never errors), idempotent after two
// applications, and length-bounded by a small constant multiple of the
// input length.
func Canonicalize(s string) string {
	s = decodeBackslashEscapes(s)
	s = normalizeUnicode(s)
	s = decodeHTMLEntities(s)
	s = decodeURLGuarded(s)
	s = normalizeUnicode(s)
	s = unifyWhitespace(s)
	s = stripZeroWidth(s)
	return s
}

func decodeBackslashEscapes(s string) string {
	s = unicodeEscapeRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := unicodeEscapeRe.FindStringSubmatch(m)
		n, err := strconv.ParseInt(sub[1], 16, 32)
		if err != nil {
			return m
		}
		return string(rune(n))
	})
	s = hexEscapeRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := hexEscapeRe.FindStringSubmatch(m)
		n, err := strconv.ParseInt(sub[1], 16, 32)
		if err != nil {
			return m
		}
		return string(rune(n))
	})
	return s
}

// normalizeUnicode runs NFKC, folds the fullwidth ASCII block onto plain
// ASCII, and strips zero-width code points revealed by the fold (URL
// decoding later in the pipeline can surface more; the dedicated sweep in
// stripZeroWidth catches those on the second pass).
func normalizeUnicode(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= fullwidthLow && r <= fullwidthHigh {
			b.WriteRune(r - fullwidthOffset)
			continue
		}
		if zeroWidthRunes[r] {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func decodeHTMLEntities(s string) string {
	s = hexEntityRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := hexEntityRe.FindStringSubmatch(m)
		n, err := strconv.ParseInt(sub[1], 16, 32)
		if err != nil {
			return m
		}
		return string(rune(n))
	})
	s = decimalEntityRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := decimalEntityRe.FindStringSubmatch(m)
		n, err := strconv.ParseInt(sub[1], 10, 32)
		if err != nil {
			return m
		}
		return string(rune(n))
	})
	s = namedEntityRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := namedEntityRe.FindStringSubmatch(m)
		if repl, ok := namedEntities[sub[1]]; ok {
			return repl
		}
		return m
	})
	return s
}

// decodeURLGuarded collapses over-encoded percent sequences
// (%2525xx -> %25xx -> %xx) and performs a bounded number of single
// percent-decode passes, stopping as soon as a pass produces no change so
// a non-encoded payload is left untouched.
func decodeURLGuarded(s string) string {
	s = tripleCollapseRe.ReplaceAllString(s, "%2$1")
	s = triplePercent2xRe.ReplaceAllString(s, "%25$1")
	s = doublePercentRe.ReplaceAllString(s, "%$1")

	for i := 0; i < maxURLDecodePasses; i++ {
		if !percentEncodedRe.MatchString(s) {
			break
		}
		decoded, err := url.PathUnescape(s)
		if err != nil || decoded == s {
			break
		}
		s = decoded
	}
	return s
}

func unifyWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == 0x2028 || r == 0x2029:
			b.WriteRune('\n')
		case isUnicodeSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func stripZeroWidth(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if zeroWidthRunes[r] {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
