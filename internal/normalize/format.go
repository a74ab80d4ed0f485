package normalize

import (
	"strings"
	"time"
	"unicode"

	"github.com/mozillazg/go-unidecode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Letters that survive NFKD decomposition unchanged but still have a customary Latin
// spelling. Combining marks are removed separately.
var transliterations = map[rune]string{
	'ß': "ss",
	'æ': "ae",
	'œ': "oe",
	'ø': "o",
	'đ': "d",
	'ð': "d",
	'ł': "l",
	'þ': "th",
	'ı': "i",
}

// Accented characters handled when decomposition is unavailable for a rune. Kept so the
// documented mapping stays explicit and testable per character.
var accentFallback = map[rune]string{
	'á': "a", 'à': "a", 'â': "a", 'ä': "a", 'ã': "a", 'å': "a",
	'ç': "c",
	'é': "e", 'è': "e", 'ê': "e", 'ë': "e",
	'í': "i", 'ì': "i", 'î': "i", 'ï': "i",
	'ñ': "n",
	'ó': "o", 'ò': "o", 'ô': "o", 'ö': "o", 'õ': "o",
	'ú': "u", 'ù': "u", 'û': "u", 'ü': "u",
	'ý': "y", 'ÿ': "y",
}

var birthDateLayouts = []string{
	"02/01/2006",
	"02-01-2006",
	"2006-01-02",
	"2006/01/02",
	"02.01.2006",
	"20060102",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2 January 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// Phone keeps digits only. A leading '+' marks the number as international; otherwise
// leading zeros are dropped and the default country code is prepended to domestic-length
// numbers.
func Phone(raw string, countryCode string) string {
	var b strings.Builder
	hadPlus := false
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r == '+' && b.Len() == 0:
			hadPlus = true
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}

	digits := strings.TrimLeft(b.String(), "0")
	if digits == "" {
		return ""
	}

	if !hadPlus && len(digits) <= 10 && !strings.HasPrefix(digits, countryCode) {
		digits = countryCode + digits
	}
	return digits
}

// Name splits a full name on the first space after collapsing whitespace. Both parts are
// reduced to [a-z0-9].
func Name(raw string) (first, last string) {
	collapsed := strings.Join(strings.Fields(raw), " ")
	if collapsed == "" {
		return "", ""
	}

	firstPart, rest, _ := strings.Cut(collapsed, " ")
	return Address(firstPart), Address(rest)
}

func Email(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Address lowercases, transliterates to ASCII and strips everything outside [a-z0-9].
// Letters of non-Latin scripts are romanized first; Latin letters go through
// decomposition and the tables above.
func Address(raw string) string {
	if raw == "" {
		return ""
	}

	lowered := strings.ToLower(raw)

	var mapped strings.Builder
	for _, r := range lowered {
		if s, ok := transliterations[r]; ok {
			mapped.WriteString(s)
			continue
		}
		if r > unicode.MaxASCII && !unicode.Is(unicode.Latin, r) && !unicode.Is(unicode.Mn, r) {
			mapped.WriteString(strings.ToLower(unidecode.Unidecode(string(r))))
			continue
		}
		mapped.WriteRune(r)
	}

	decomposed, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn))), mapped.String())
	if err != nil {
		decomposed = mapped.String()
	}

	var out strings.Builder
	for _, r := range decomposed {
		if s, ok := accentFallback[r]; ok {
			out.WriteString(s)
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			out.WriteRune(r)
		}
	}
	return out.String()
}

func Gender(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "male":
		return "m"
	case "female":
		return "f"
	default:
		return ""
	}
}

// BirthDate returns YYYYMMDD, or "" when no known layout parses.
func BirthDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range birthDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("20060102")
		}
	}
	return ""
}
