package latex

import "strings"

// StripComments removes LaTeX comments in two passes. Lines that hold only a
// comment are dropped with their newline; trailing comments are then cut
// from the remaining lines, keeping the newline. A % preceded by an odd
// number of backslashes is escaped and kept.
func StripComments(s string) string {
	lines := strings.SplitAfter(s, "\n")

	kept := lines[:0:0]
	for _, line := range lines {
		if strings.HasSuffix(line, "\n") && strings.HasPrefix(strings.TrimLeft(line, " \t\r\f\v"), "%") {
			continue
		}
		kept = append(kept, line)
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, line := range kept {
		body, nl := line, ""
		if strings.HasSuffix(body, "\n") {
			body, nl = body[:len(body)-1], "\n"
		}
		if i := commentIndex(body); i >= 0 {
			body = body[:i]
		}
		b.WriteString(body)
		b.WriteString(nl)
	}
	return b.String()
}

// commentIndex returns the byte offset of the first unescaped % in line.
func commentIndex(line string) int {
	for i := 0; i < len(line); i++ {
		if line[i] != '%' {
			continue
		}
		slashes := 0
		for j := i - 1; j >= 0 && line[j] == '\\'; j-- {
			slashes++
		}
		if slashes%2 == 0 {
			return i
		}
	}
	return -1
}
