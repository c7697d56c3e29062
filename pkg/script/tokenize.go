package script

import "strings"

type lexState int

const (
	lexBetween   lexState = iota // skipping whitespace between arguments
	lexWord                      // inside an unquoted run
	lexQuoted                    // inside "..."
	lexBackslash                 // counting a run of backslashes
)

// SplitArgs splits a command line into arguments using the Windows CRT
// rules:
//
//   - whitespace outside quotes separates arguments;
//   - an unescaped '"' toggles quoted mode;
//   - inside quotes, "" yields one literal quote and stays quoted;
//   - 2n backslashes before a quote yield n backslashes and the quote
//     toggles; 2n+1 yield n backslashes and a literal quote;
//   - backslashes not followed by a quote are literal.
func SplitArgs(line string) []string {
	var (
		args    []string
		cur     strings.Builder
		state   = lexBetween
		resume  lexState
		slashes int
	)

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch state {
		case lexBetween:
			if c == ' ' || c == '\t' {
				continue
			}
			cur.Reset()
			state = lexWord
			i--

		case lexWord, lexQuoted:
			switch {
			case c == '\\':
				resume, state, slashes = state, lexBackslash, 1
			case c == '"':
				if state == lexQuoted && i+1 < len(line) && line[i+1] == '"' {
					cur.WriteByte('"')
					i++
				} else if state == lexQuoted {
					state = lexWord
				} else {
					state = lexQuoted
				}
			case (c == ' ' || c == '\t') && state == lexWord:
				args = append(args, cur.String())
				state = lexBetween
			default:
				cur.WriteByte(c)
			}

		case lexBackslash:
			if c == '\\' {
				slashes++
				continue
			}
			if c == '"' {
				cur.WriteString(strings.Repeat(`\`, slashes/2))
				state = resume
				if slashes%2 == 1 {
					cur.WriteByte('"')
					continue
				}
				i--
				continue
			}
			cur.WriteString(strings.Repeat(`\`, slashes))
			state = resume
			i--
		}
	}

	if state == lexBackslash {
		cur.WriteString(strings.Repeat(`\`, slashes))
		state = resume
	}
	if state != lexBetween {
		args = append(args, cur.String())
	}
	return args
}

// JoinArgs is the inverse of SplitArgs: it quotes each argument so that
// SplitArgs(JoinArgs(args)) returns args unchanged.
func JoinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quoteArg(a)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(a string) string {
	if a != "" && !strings.ContainsAny(a, " \t\"") {
		return a
	}
	var b strings.Builder
	b.WriteByte('"')
	slashes := 0
	for i := 0; i < len(a); i++ {
		c := a[i]
		switch c {
		case '\\':
			slashes++
			continue
		case '"':
			b.WriteString(strings.Repeat(`\`, 2*slashes+1))
		default:
			b.WriteString(strings.Repeat(`\`, slashes))
		}
		slashes = 0
		b.WriteByte(c)
	}
	b.WriteString(strings.Repeat(`\`, 2*slashes))
	b.WriteByte('"')
	return b.String()
}
