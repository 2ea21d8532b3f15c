package catalog

import (
	"regexp"

	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// cssPatterns are checked separately from the generic catalog scan:
// expression(), and javascript:/vbscript: inside url(...).
var cssPatterns = []patternDef{
	{`expression\s*\(`, "css-expression", valtypes.SeverityMedium},
	{`url\s*\(\s*['"]?\s*javascript:`, "css-url-javascript", valtypes.SeverityHigh},
	{`url\s*\(\s*['"]?\s*vbscript:`, "css-url-vbscript", valtypes.SeverityHigh},
}

var cssCompiled []*regexp.Regexp

func init() {
	for _, p := range cssPatterns {
		cssCompiled = append(cssCompiled, regexp.MustCompile("(?i)"+p.pattern))
	}
}

// ScanCSS checks s for CSS-based script-execution attempts.
func ScanCSS(s string) (Match, bool) {
	for i, re := range cssCompiled {
		matched, err := SafeMatch(re.String(), s, matchTimeout)
		if err != nil || !matched {
			continue
		}
		p := cssPatterns[i]
		return Match{
			Name:          p.name,
			Severity:      p.severity,
			ViolationType: valtypes.ViolationCSSInjection,
			Confidence:    0.85,
			Category:      "css",
			Pattern:       p.pattern,
		}, true
	}
	return Match{}, false
}
