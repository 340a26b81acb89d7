// Package parser extracts the single actionable command from an LLM
// response. The marker grammar is FINAL(...), FINAL_VAR(name), RUN(...),
// CODE(...), SNAPSHOT(...), ROLLBACK(...), QUERY_LLM(...) and
// QUERY_LLM_BATCHED([...]), with balanced-paren argument extraction and
// quote unwrapping. Lenient mode additionally accepts bare fenced code
// blocks.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoCommand is returned when no recognizable command is present.
	ErrNoCommand = errors.New("no command found in response")
	// ErrUnbalanced is returned when a marker's parentheses never close.
	ErrUnbalanced = errors.New("unbalanced parentheses in command")
	// ErrBadPromptList is returned when QUERY_LLM_BATCHED does not carry
	// a non-empty JSON array of prompt strings.
	ErrBadPromptList = errors.New("expected a non-empty JSON array of prompts")
)

// Kind identifies a parsed command.
type Kind string

const (
	KindFinal        Kind = "final"
	KindFinalVar     Kind = "final_var"
	KindRun          Kind = "run"
	KindCode         Kind = "code"
	KindSnapshot     Kind = "snapshot"
	KindRollback     Kind = "rollback"
	KindRecurse      Kind = "recurse"
	KindRecurseBatch Kind = "recurse_batch"
)

// Command is one parsed instruction with its argument. Prompts is
// populated only for KindRecurseBatch.
type Command struct {
	Kind    Kind
	Arg     string
	Prompts []string
}

func (c Command) String() string {
	arg := c.Arg
	if len(arg) > 60 {
		arg = arg[:57] + "..."
	}
	return fmt.Sprintf("%s(%s)", c.Kind, arg)
}

// markers in match priority order. FINAL_VAR must precede FINAL so the
// longer marker wins at the same position.
var markers = []struct {
	text string
	kind Kind
}{
	{"FINAL_VAR", KindFinalVar},
	{"FINAL", KindFinal},
	{"RUN", KindRun},
	{"CODE", KindCode},
	{"SNAPSHOT", KindSnapshot},
	{"ROLLBACK", KindRollback},
	{"QUERY_LLM_BATCHED", KindRecurseBatch},
	{"QUERY_LLM", KindRecurse},
}

// Parser extracts commands from model responses. Strict mode rejects
// responses without a marker; lenient mode falls back to bare fenced
// code blocks.
type Parser struct {
	strict bool
}

// New creates a parser. strict controls whether unmarked responses are
// rejected outright.
func New(strict bool) *Parser {
	return &Parser{strict: strict}
}

// Parse returns the first command found in the response.
func (p *Parser) Parse(response string) (Command, error) {
	if cmd, err, found := p.findMarker(response); found {
		return cmd, err
	}
	if !p.strict {
		if cmd, ok := p.findFencedBlock(response); ok {
			return cmd, nil
		}
	}
	return Command{}, ErrNoCommand
}

// findMarker scans for the earliest marker occurrence followed by an
// opening paren and extracts its balanced argument.
func (p *Parser) findMarker(s string) (Command, error, bool) {
	bestPos := -1
	var bestKind Kind
	bestLen := 0

	for _, m := range markers {
		pos := findWord(s, m.text)
		if pos < 0 {
			continue
		}
		if bestPos == -1 || pos < bestPos {
			bestPos = pos
			bestKind = m.kind
			bestLen = len(m.text)
		}
	}
	if bestPos < 0 {
		return Command{}, nil, false
	}

	open := bestPos + bestLen
	arg, err := extractBalanced(s[open:])
	if err != nil {
		return Command{}, fmt.Errorf("%s: %w", bestKind, err), true
	}

	if bestKind == KindRecurseBatch {
		arg = strings.TrimSpace(arg)
		prompts, perr := parsePromptList(arg)
		if perr != nil {
			return Command{}, fmt.Errorf("%s: %w", bestKind, perr), true
		}
		return Command{Kind: bestKind, Arg: arg, Prompts: prompts}, nil, true
	}

	arg = unwrapQuotes(strings.TrimSpace(arg))
	if bestKind == KindFinalVar {
		arg = strings.TrimSpace(arg)
	}
	return Command{Kind: bestKind, Arg: arg}, nil, true
}

// parsePromptList decodes the JSON array argument of a batched query.
func parsePromptList(arg string) ([]string, error) {
	var prompts []string
	if err := json.Unmarshal([]byte(arg), &prompts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPromptList, err)
	}
	if len(prompts) == 0 {
		return nil, ErrBadPromptList
	}
	for _, p := range prompts {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("%w: empty prompt", ErrBadPromptList)
		}
	}
	return prompts, nil
}

// findWord locates marker as a whole word immediately followed by '('.
// A preceding identifier character disqualifies the match (so FINAL
// inside FINAL_VAR, or myFINAL, never match).
func findWord(s, marker string) int {
	from := 0
	for {
		i := strings.Index(s[from:], marker)
		if i < 0 {
			return -1
		}
		pos := from + i
		end := pos + len(marker)

		precededOK := pos == 0 || !isIdentChar(s[pos-1])
		followedOK := end < len(s) && s[end] == '('
		if precededOK && followedOK {
			return pos
		}
		from = pos + 1
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// extractBalanced reads a parenthesized argument starting at s[0] == '('
// and returns the content between the balanced pair. Parens inside
// single or double quotes do not count toward nesting.
func extractBalanced(s string) (string, error) {
	if len(s) == 0 || s[0] != '(' {
		return "", ErrUnbalanced
	}

	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]

		if quote != 0 {
			if c == '\\' {
				i++ // skip escaped char inside quotes
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}

		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[1:i], nil
			}
		}
	}
	return "", ErrUnbalanced
}

// unwrapQuotes strips one layer of surrounding quotes: triple quotes
// first ("""...""" or '''...'''), then single-character quotes.
func unwrapQuotes(s string) string {
	for _, q := range []string{`"""`, "'''"} {
		if len(s) >= 2*len(q) && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return strings.TrimSpace(s[len(q) : len(s)-len(q)])
		}
	}
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// findFencedBlock accepts a bare fenced code block as an implicit
// command: python blocks execute as code, shell blocks as commands.
func (p *Parser) findFencedBlock(s string) (Command, bool) {
	idx := strings.Index(s, "```")
	if idx < 0 {
		return Command{}, false
	}
	rest := s[idx+3:]

	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return Command{}, false
	}
	lang := strings.ToLower(strings.TrimSpace(rest[:nl]))
	body := rest[nl+1:]

	end := strings.Index(body, "```")
	if end < 0 {
		return Command{}, false
	}
	content := strings.TrimSpace(body[:end])
	if content == "" {
		return Command{}, false
	}

	switch lang {
	case "python", "python3", "py", "":
		return Command{Kind: KindCode, Arg: content}, true
	case "bash", "sh", "shell":
		return Command{Kind: KindRun, Arg: content}, true
	default:
		return Command{}, false
	}
}
