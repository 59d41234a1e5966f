package visit

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var decimalLiteral = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// numberString converts a table cell the way the site's own export does: an
// empty cell is 0, anything that is not a plain decimal number ("<1", "1,000")
// is NaN, and numbers are printed in their shortest form.
func numberString(cell string) string {
	s := strings.TrimSpace(cell)
	if s == "" {
		return "0"
	}
	switch s {
	case "Infinity", "+Infinity":
		return "Infinity"
	case "-Infinity":
		return "-Infinity"
	}
	var f float64
	switch {
	case decimalLiteral.MatchString(s):
		// Out-of-range literals round to Inf or 0, as in JS.
		f, _ = strconv.ParseFloat(s, 64)
	case len(s) > 2 && s[0] == '0' && strings.ContainsRune("xXoObB", rune(s[1])):
		v, err := strconv.ParseUint(s[2:], baseOf(s[1]), 64)
		if err != nil {
			return "NaN"
		}
		f = float64(v)
	default:
		return "NaN"
	}
	return formatNumber(f)
}

func baseOf(c byte) int {
	switch c {
	case 'x', 'X':
		return 16
	case 'o', 'O':
		return 8
	}
	return 2
}

func formatNumber(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mant, exp, _ := strings.Cut(s, "e")
	sign := exp[0]
	digits := strings.TrimLeft(exp[1:], "0")
	return mant + "e" + string(sign) + digits
}

// joinValues maps one value per compared term; a missing cell is NaN.
func joinValues(values []string, terms int) string {
	out := make([]string, terms)
	for i := range out {
		if i < len(values) {
			out[i] = numberString(values[i])
		} else {
			out[i] = "NaN"
		}
	}
	return strings.Join(out, ",")
}
