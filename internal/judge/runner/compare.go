package runner

import "strings"

// OutputsMatch compares program output against the expected output.
// Trailing whitespace on each line and trailing blank lines are
// ignored; everything else is exact, including case and interior
// whitespace.
func OutputsMatch(expected, actual string) bool {
	e := normalizeLines(expected)
	a := normalizeLines(actual)
	if len(e) != len(a) {
		return false
	}
	for i := range e {
		if e[i] != a[i] {
			return false
		}
	}
	return true
}

func normalizeLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
