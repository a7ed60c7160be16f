// Package labels extracts lot numbers and expiry dates from recognized
// package-label text.
package labels

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Field names used in recognition results
const (
	FieldLot    = "lot"
	FieldExpiry = "expiry"
)

// Line is one recognized line with its confidence in [0,1]
type Line struct {
	Text       string
	Confidence float64
}

// Fields is the outcome of Extract
type Fields struct {
	Lot    string
	Expiry string // YYYY-MM
	Text   string // cleaned lines joined by spaces
	Lines  []Line // cleaned lines that passed the confidence filter
}

// Map returns the non-empty fields keyed by field name
func (f Fields) Map() map[string]string {
	m := make(map[string]string, 2)
	if f.Lot != "" {
		m[FieldLot] = f.Lot
	}
	if f.Expiry != "" {
		m[FieldExpiry] = f.Expiry
	}
	return m
}

var lotKeyPatterns = []string{
	`LOT`, `BATCH`, `LOT\s*NO\.?`, `BATCH\s*NO\.?`, `PARTI\s*NO\.?`, `PART\s*NO\.?`,
}

var expKeyPatterns = []string{
	`EXP(?:I?RY)?`, `USE\s*BY`, `BEST\s*BEFORE`, `EXPIRES?`, `SON\s*KULL`, `S\.?K\.?T\.?`,
}

var (
	lotOnLine  []*regexp.Regexp
	expKeys    []*regexp.Regexp
	lotJunk    = regexp.MustCompile(`[^A-Z0-9\-_]`)
	whitespace = regexp.MustCompile(`\s+`)

	months = `JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEPT|SEP|OCT|NOV|DEC`

	expDate = regexp.MustCompile(`(?i)` +
		`(20\d{2})[.\-/](0?[1-9]|1[0-2])` + // 2026-08
		`|(0?[1-9]|1[0-2])[.\-/](20\d{2})` + // 08/2026
		`|(0?[1-9]|1[0-2])[.\-/](\d{2})` + // 08/26
		`|(` + months + `)\s+(20\d{2})` + // DEC 2026
		`|(\d{1,2})\s+(` + months + `)\s+(20\d{2})`) // 01 DEC 2026

	monthNumbers = map[string]int{
		"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
		"JUL": 7, "AUG": 8, "SEP": 9, "SEPT": 9, "OCT": 10, "NOV": 11, "DEC": 12,
	}
)

func init() {
	for _, key := range lotKeyPatterns {
		lotOnLine = append(lotOnLine, regexp.MustCompile(`\b`+key+`\b\s*[:\-.]?\s*([A-Z0-9\-_]{3,})`))
	}
	for _, key := range expKeyPatterns {
		expKeys = append(expKeys, regexp.MustCompile(`\b`+key+`\b`))
	}
}

// Extract cleans lines, drops those below minConfidence and looks for a lot
// number on keyed lines and an expiry date, first on keyed lines and then
// anywhere in the text.
func Extract(lines []Line, minConfidence float64) Fields {
	var f Fields
	texts := make([]string, 0, len(lines))

	for _, l := range lines {
		if l.Confidence < minConfidence || strings.TrimSpace(l.Text) == "" {
			continue
		}
		cleaned := CleanLine(l.Text)
		f.Lines = append(f.Lines, Line{Text: cleaned, Confidence: l.Confidence})
		texts = append(texts, cleaned)
	}
	f.Text = strings.Join(texts, " ")

	for _, l := range f.Lines {
		if lot := FindLot(l.Text); lot != "" {
			f.Lot = lotJunk.ReplaceAllString(lot, "")
			break
		}
	}

	for _, l := range f.Lines {
		if HasExpiryKey(l.Text) {
			if exp := ParseExpiry(l.Text); exp != "" {
				f.Expiry = exp
				break
			}
		}
	}
	if f.Expiry == "" {
		f.Expiry = ParseExpiry(CleanLine(f.Text))
	}

	return f
}

// CleanLine upper-cases, normalizes punctuation, collapses spaced digits
// and squeezes whitespace.
func CleanLine(s string) string {
	r := strings.NewReplacer("；", ":", ";", ":", "—", "-", "`", " ", "’", "'")
	t := r.Replace(strings.ToUpper(s))
	t = CollapseSpacedDigits(t)
	return strings.TrimSpace(whitespace.ReplaceAllString(t, " "))
}

// CollapseSpacedDigits joins digits separated by whitespace when the left
// digit starts a number, so "2 0 2 6" becomes "2026" but "12 34" is kept.
func CollapseSpacedDigits(s string) string {
	for {
		next := collapseOnce(s)
		if next == s {
			return s
		}
		s = next
	}
}

func collapseOnce(s string) string {
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(rs); i++ {
		b.WriteRune(rs[i])
		if !unicode.IsDigit(rs[i]) || (i > 0 && unicode.IsDigit(rs[i-1])) {
			continue
		}
		j := i + 1
		for j < len(rs) && unicode.IsSpace(rs[j]) {
			j++
		}
		if j > i+1 && j < len(rs) && unicode.IsDigit(rs[j]) {
			i = j - 1
		}
	}
	return b.String()
}

// FindLot returns the lot value following a lot key on a cleaned line
func FindLot(line string) string {
	for _, re := range lotOnLine {
		m := re.FindStringSubmatch(line)
		if m != nil && m[1] != "EXP" {
			return m[1]
		}
	}
	return ""
}

// HasExpiryKey reports whether a cleaned line carries an expiry key
func HasExpiryKey(line string) bool {
	for _, re := range expKeys {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// ParseExpiry returns the first date in s as YYYY-MM, or "" when there is
// none or it falls outside 2000..2100.
func ParseExpiry(s string) string {
	m := expDate.FindStringSubmatch(s)
	if m == nil {
		return ""
	}

	var year, month int
	switch {
	case m[1] != "":
		year, month = atoi(m[1]), atoi(m[2])
	case m[3] != "":
		year, month = atoi(m[4]), atoi(m[3])
	case m[5] != "":
		year, month = 2000+atoi(m[6]), atoi(m[5])
	case m[7] != "":
		year, month = atoi(m[8]), monthNumbers[strings.ToUpper(m[7])]
	case m[9] != "":
		year, month = atoi(m[11]), monthNumbers[strings.ToUpper(m[10])]
	}

	if year < 2000 || year > 2100 || month < 1 || month > 12 {
		return ""
	}
	return fmt.Sprintf("%04d-%02d", year, month)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
