package execpolicy

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/mattn/go-shellwords"
)

// shellScript returns the script of a "bash|sh|zsh -c|-lc <script>" wrapper.
func shellScript(argv []string) (string, bool) {
	if len(argv) != 3 {
		return "", false
	}
	switch filepath.Base(argv[0]) {
	case "bash", "sh", "zsh":
	default:
		return "", false
	}
	if argv[1] != "-c" && argv[1] != "-lc" {
		return "", false
	}
	return argv[2], true
}

// splitScript splits a shell script into simple commands at the control
// operators ";", "&&", "||", "|" and "&". The script is opaque when it uses
// any construct that cannot be decomposed safely: command or process
// substitution, redirections, subshells, function definitions, or several
// lines. Parentheses make a script opaque even when quoted.
func splitScript(script string) (commands [][]string, opaque bool) {
	if strings.ContainsAny(script, "`\n(") {
		return nil, true
	}

	// Parser.Position is a rune offset.
	rest := []rune(script)
	for {
		p := shellwords.NewParser()
		words, err := p.Parse(string(rest))
		if err != nil {
			return nil, true
		}
		if p.Position < 0 {
			if len(words) > 0 {
				commands = append(commands, words)
			}
			return commands, false
		}
		if !isControlOperator(rest[p.Position]) || len(words) == 0 {
			return nil, true
		}
		commands = append(commands, words)

		i := p.Position
		for i < len(rest) && isControlOperator(rest[i]) {
			i++
		}
		rest = rest[i:]
	}
}

func isControlOperator(r rune) bool {
	return r == ';' || r == '&' || r == '|'
}

// Normalize returns the canonical form of argv used for session approvals:
// a shell wrapper around exactly one simple command becomes that command.
func Normalize(argv []string) []string {
	script, ok := shellScript(argv)
	if !ok {
		return argv
	}
	commands, opaque := splitScript(script)
	if opaque || len(commands) != 1 {
		return argv
	}
	return commands[0]
}

// scriptTokens splits a script into rough words for a best-effort scan.
func scriptTokens(script string) []string {
	return strings.FieldsFunc(script, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(";&|()<>`$\"'{}\\", r)
	})
}

// isForkBomb detects the classic "f(){ f|f& };f" pattern with any name.
func isForkBomb(script string) bool {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, script)

	for offset := 0; ; {
		idx := strings.Index(s[offset:], "(){")
		if idx < 0 {
			return false
		}
		idx += offset
		start := idx
		for start > 0 && isNameRune(rune(s[start-1])) {
			start--
		}
		if name := s[start:idx]; name != "" {
			if strings.Contains(s[idx:], "(){"+name+"|"+name+"&};"+name) {
				return true
			}
		}
		offset = idx + 3
	}
}

func isNameRune(r rune) bool {
	return r == ':' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// isAssignment reports whether w is a NAME=value prefix assignment.
func isAssignment(w string) bool {
	name, _, ok := strings.Cut(w, "=")
	if !ok || name == "" {
		return false
	}
	for i, r := range name {
		if r != '_' && !unicode.IsLetter(r) && (i == 0 || !unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}
