package modem

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// symbolWords spells out the glyphs used to flag alert severity.
var symbolWords = map[rune]string{
	'⚠': " WARNING: ",
	'✅': " OK: ",
	'✔': " OK: ",
	'❌': " CRITICAL: ",
	'❗': " ALERT: ",
	'📡': " INFO: ",
	'📵': " ALERT: ",
	'📶': " SIGNAL: ",
	'🔴': " DOWN: ",
	'🟢': " UP: ",
	'🔄': " RESTART: ",
	'🧪': " TEST: ",
}

// lookalikes maps typographic characters and letters that do not decompose
// to their plain ASCII equivalent.
var lookalikes = map[rune]string{
	'‘': "'", '’': "'", '‚': "'", '‛': "'", '′': "'",
	'“': `"`, '”': `"`, '„': `"`, '«': `"`, '»': `"`, '″': `"`,
	'‐': "-", '‑': "-", '‒': "-", '–': "-", '—': "-", '−': "-",
	'…': "...", '•': "-", '·': ".",
	'\u00a0': " ", '\u2009': " ", '\u202f': " ",
	'€': "EUR", '£': "GBP", '°': " deg", '×': "x",
	'œ': "oe", 'Œ': "OE", 'æ': "ae", 'Æ': "AE", 'ß': "ss",
	'ø': "o", 'Ø': "O", 'đ': "d", 'Đ': "D", 'ł': "l", 'Ł': "L",
}

// extension maps characters of the GSM extension table, which some modems
// mangle, to basic-table substitutes.
var extension = map[rune]string{
	'[': "(", ']': ")", '{': "(", '}': ")",
	'\\': "/", '|': "/", '~': "-", '^': "", '`': "'",
	'\t': " ",
}

// marks are the combining accents left over after NFD decomposition.
var marks = runes.In(unicode.Mn)

// Normalize rewrites text into the 7-bit repertoire the modem accepts in
// GSM text mode: ASCII letters and digits, space, newline and
// !"#$%&'()*+,-./:;<=>?@_ . Normalize is idempotent.
func Normalize(text string) string {
	text = strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(text)

	var b strings.Builder
	for _, r := range text {
		if w, ok := symbolWords[r]; ok {
			b.WriteString(w)
		} else if w, ok := lookalikes[r]; ok {
			b.WriteString(w)
		} else {
			b.WriteRune(r)
		}
	}

	// A chain keeps state between calls, so each call builds its own.
	stripMarks := transform.Chain(norm.NFD, runes.Remove(marks), norm.NFC)
	stripped, _, err := transform.String(stripMarks, b.String())
	if err != nil {
		stripped = b.String()
	}

	b.Reset()
	for _, r := range stripped {
		switch {
		case InRepertoire(r):
			b.WriteRune(r)
		case extension[r] != "" || r == '^':
			b.WriteString(extension[r])
		case r == '\u200d' || unicode.Is(unicode.Variation_Selector, r) || unicode.In(r, unicode.So, unicode.Sk, unicode.Cf, unicode.Mn):
			// decoration with no textual meaning
		default:
			b.WriteByte('?')
		}
	}
	return collapseSpaces(b.String())
}

// InRepertoire reports whether r can be sent unchanged.
func InRepertoire(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == ' ' || r == '\n':
		return true
	}
	return strings.ContainsRune(`!"#$%&'()*+,-./:;<=>?@_`, r)
}

func collapseSpaces(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}
