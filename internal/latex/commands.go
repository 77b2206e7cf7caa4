package latex

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultCommandPasses bounds how many times expansion is re-run to
	// resolve macros defined in terms of other macros.
	DefaultCommandPasses = 5

	maxExpansions = 20000
)

var defPattern = regexp.MustCompile(`\\(?:newcommand|renewcommand|providecommand|DeclareMathOperator|def)\*?`)

type command struct {
	nargs      int
	optDefault *string
	body       string
}

// InlineCommands expands user-defined macros declared with \newcommand,
// \renewcommand, \providecommand, \DeclareMathOperator and argument-less
// \def. Parsed definitions are removed from the output. Self-referencing
// definitions are left in place and never expanded.
func InlineCommands(s string, passes int) string {
	s, cmds := parseDefinitions(s)
	if len(cmds) == 0 {
		return s
	}
	if passes <= 0 {
		passes = DefaultCommandPasses
	}
	budget := maxExpansions
	for range passes {
		next, changed := expandCommands(s, cmds, &budget)
		s = next
		if !changed || budget <= 0 {
			break
		}
	}
	return s
}

func parseDefinitions(s string) (string, map[string]command) {
	cmds := make(map[string]command)
	var out strings.Builder
	last := 0
	for _, m := range defPattern.FindAllStringIndex(s, -1) {
		if m[0] < last {
			continue
		}
		if m[1] < len(s) && isLetter(s[m[1]]) {
			// \default, \newcommandx and the like.
			continue
		}
		kind := strings.TrimSuffix(s[m[0]+1:m[1]], "*")
		name, cmd, end, ok := parseDefinition(s, m[1], kind, strings.HasSuffix(s[m[0]:m[1]], "*"))
		if !ok {
			continue
		}
		if refersTo(cmd.body, name) {
			continue
		}
		if _, exists := cmds[name]; !exists || kind != "providecommand" {
			cmds[name] = cmd
		}
		out.WriteString(s[last:m[0]])
		last = end
	}
	out.WriteString(s[last:])
	return out.String(), cmds
}

func parseDefinition(s string, pos int, kind string, starred bool) (string, command, int, bool) {
	pos = skipSpaces(s, pos)
	if pos >= len(s) {
		return "", command{}, 0, false
	}

	var name string
	switch s[pos] {
	case '{':
		inner, end, ok := readGroup(s, pos)
		inner = strings.TrimSpace(inner)
		if !ok || !strings.HasPrefix(inner, `\`) {
			return "", command{}, 0, false
		}
		name, pos = inner[1:], end
	case '\\':
		var end int
		name, end = readControlSequence(s, pos)
		pos = end
	default:
		return "", command{}, 0, false
	}
	if name == "" {
		return "", command{}, 0, false
	}

	var cmd command
	if kind == "newcommand" || kind == "renewcommand" || kind == "providecommand" {
		pos = skipSpaces(s, pos)
		if pos < len(s) && s[pos] == '[' {
			rb := strings.IndexByte(s[pos:], ']')
			if rb < 0 {
				return "", command{}, 0, false
			}
			n, err := strconv.Atoi(strings.TrimSpace(s[pos+1 : pos+rb]))
			if err != nil || n < 0 || n > 9 {
				return "", command{}, 0, false
			}
			cmd.nargs = n
			pos += rb + 1
			pos = skipSpaces(s, pos)
			if pos < len(s) && s[pos] == '[' {
				def, end, ok := readBracket(s, pos)
				if !ok {
					return "", command{}, 0, false
				}
				cmd.optDefault = &def
				pos = end
			}
		}
	}

	pos = skipSpaces(s, pos)
	if pos >= len(s) || s[pos] != '{' {
		// \def\foo#1{...} and other parameter texts are not supported.
		return "", command{}, 0, false
	}
	body, end, ok := readGroup(s, pos)
	if !ok {
		return "", command{}, 0, false
	}
	if kind == "DeclareMathOperator" {
		op := `\operatorname`
		if starred {
			op += "*"
		}
		body = op + "{" + body + "}"
	}
	cmd.body = body
	return name, cmd, end, true
}

func expandCommands(s string, cmds map[string]command, budget *int) (string, bool) {
	var out strings.Builder
	out.Grow(len(s))
	changed := false
	i := 0
	for i < len(s) {
		if s[i] != '\\' {
			j := strings.IndexByte(s[i:], '\\')
			if j < 0 {
				out.WriteString(s[i:])
				break
			}
			out.WriteString(s[i : i+j])
			i += j
			continue
		}
		name, end := readControlSequence(s, i)
		cmd, ok := cmds[name]
		if !ok || *budget <= 0 {
			out.WriteString(s[i:end])
			i = end
			continue
		}
		args, argEnd, ok := readArgs(s, end, cmd)
		if !ok {
			out.WriteString(s[i:end])
			i = end
			continue
		}
		out.WriteString(substitute(cmd.body, args))
		*budget--
		changed = true
		i = argEnd
	}
	return out.String(), changed
}

func readArgs(s string, pos int, cmd command) ([]string, int, bool) {
	args := make([]string, 0, cmd.nargs)
	for n := 0; n < cmd.nargs; n++ {
		if n == 0 && cmd.optDefault != nil {
			p := skipSpaces(s, pos)
			if p < len(s) && s[p] == '[' {
				arg, end, ok := readBracket(s, p)
				if !ok {
					return nil, pos, false
				}
				args = append(args, arg)
				pos = end
			} else {
				args = append(args, *cmd.optDefault)
			}
			continue
		}
		arg, end, ok := readArg(s, pos)
		if !ok {
			return nil, pos, false
		}
		args = append(args, arg)
		pos = end
	}
	return args, pos, true
}

func readArg(s string, pos int) (string, int, bool) {
	pos = skipSpaces(s, pos)
	if pos >= len(s) {
		return "", pos, false
	}
	switch s[pos] {
	case '{':
		return readGroup(s, pos)
	case '\\':
		_, end := readControlSequence(s, pos)
		return s[pos:end], end, true
	case '}':
		return "", pos, false
	}
	_, size := utf8.DecodeRuneInString(s[pos:])
	return s[pos : pos+size], pos + size, true
}

func substitute(body string, args []string) string {
	if len(args) == 0 {
		return body
	}
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		if body[i] == '#' && i+1 < len(body) {
			next := body[i+1]
			if next == '#' {
				b.WriteByte('#')
				i++
				continue
			}
			if next >= '1' && next <= '9' && int(next-'0') <= len(args) {
				b.WriteString(args[next-'1'])
				i++
				continue
			}
		}
		b.WriteByte(body[i])
	}
	return b.String()
}

// readGroup reads a balanced {...} group starting at s[pos] and returns its
// content and the offset after the closing brace.
func readGroup(s string, pos int) (string, int, bool) {
	depth := 0
	for i := pos; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[pos+1 : i], i + 1, true
			}
		}
	}
	return "", pos, false
}

func readBracket(s string, pos int) (string, int, bool) {
	depth := 0
	for i := pos; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '{':
			depth++
		case '}':
			depth--
		case ']':
			if depth == 0 {
				return s[pos+1 : i], i + 1, true
			}
		}
	}
	return "", pos, false
}

// readControlSequence reads \name (letters) or a single-character control
// symbol starting at s[pos] and returns the name without the backslash.
func readControlSequence(s string, pos int) (string, int) {
	i := pos + 1
	if i >= len(s) {
		return "", i
	}
	if !isLetter(s[i]) {
		_, size := utf8.DecodeRuneInString(s[i:])
		return s[i : i+size], i + size
	}
	for i < len(s) && isLetter(s[i]) {
		i++
	}
	return s[pos+1 : i], i
}

func refersTo(body, name string) bool {
	for i := 0; i < len(body); i++ {
		if body[i] != '\\' {
			continue
		}
		cs, end := readControlSequence(body, i)
		if cs == name {
			return true
		}
		i = end - 1
	}
	return false
}

func skipSpaces(s string, pos int) int {
	for pos < len(s) && (s[pos] == ' ' || s[pos] == '\t' || s[pos] == '\n' || s[pos] == '\r') {
		pos++
	}
	return pos
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
