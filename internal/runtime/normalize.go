package runtime

import (
	"regexp"
	"strings"
)

// dnsReplaceSymbolsRegexp and dnsReplaceRepeatedSymbols mirror the
// teacher's own normalizer: container and compose-project names often
// carry characters ('_', '/', repeated separators) that are awkward in a
// structured log field or metric label.
var (
	dnsReplaceSymbolsRegexp   = regexp.MustCompile("[^a-zA-Z0-9-.]+")
	dnsReplaceRepeatedSymbols = regexp.MustCompile("([-.])[-.]+")
)

// NormalizeName collapses any run of characters outside [a-zA-Z0-9-.] to a
// single dot and trims leading/trailing dots and dashes. Used to build a
// stable "group_id" log field out of an engine's configured container name,
// so log lines for the same engine correlate regardless of the raw
// punctuation in that name.
func NormalizeName(name string) string {
	onlyValidChars := dnsReplaceSymbolsRegexp.ReplaceAllLiteral([]byte(name), []byte("."))
	singleSeparators := dnsReplaceRepeatedSymbols.ReplaceAll(onlyValidChars, []byte("$1"))
	return strings.Trim(string(singleSeparators), ".-")
}
