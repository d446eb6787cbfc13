package marker

import (
	"fmt"
	"strings"
	"unicode"
)

type tokKind int

const (
	tokVar tokKind = iota
	tokString
	tokOp
	tokAnd
	tokOr
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	val  string
}

var ops = []string{"===", "==", "!=", "~=", "<=", ">=", "<", ">"}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '"' || c == '\'':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("marker: unterminated string in %q", s)
			}
			toks = append(toks, token{tokString, s[i+1 : i+1+end]})
			i += end + 2
		case strings.ContainsRune("=!~<>", rune(c)):
			matched := false
			for _, op := range ops {
				if strings.HasPrefix(s[i:], op) {
					toks = append(toks, token{tokOp, op})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("marker: invalid operator at %q", s[i:])
			}
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(s) && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j])) || s[j] == '_' || s[j] == '.') {
				j++
			}
			word := s[i:j]
			switch word {
			case "and":
				toks = append(toks, token{tokAnd, word})
			case "or":
				toks = append(toks, token{tokOr, word})
			case "in":
				toks = append(toks, token{tokOp, "in"})
			case "not":
				rest := strings.TrimLeft(s[j:], " \t")
				if !strings.HasPrefix(rest, "in") {
					return nil, fmt.Errorf("marker: expected 'in' after 'not' in %q", s)
				}
				toks = append(toks, token{tokOp, "not in"})
				j = len(s) - len(rest) + 2
			default:
				// os.name and friends are legacy spellings of os_name.
				word = strings.ReplaceAll(word, ".", "_")
				if !knownVars[word] {
					return nil, fmt.Errorf("marker: unknown variable %q", word)
				}
				toks = append(toks, token{tokVar, word})
			}
			i = j
		default:
			return nil, fmt.Errorf("marker: unexpected character %q in %q", c, s)
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orExpr{left, right}
	}
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			return left, nil
		}
		p.pos++
		right, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		left = andExpr{left, right}
	}
}

func (p *parser) parseAtom() (Expr, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("marker: unexpected end of expression")
	}
	if t.kind == tokLParen {
		p.pos++
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t, ok := p.peek(); !ok || t.kind != tokRParen {
			return nil, fmt.Errorf("marker: missing closing parenthesis")
		}
		p.pos++
		return e, nil
	}

	left, err := p.operand()
	if err != nil {
		return nil, err
	}
	op, ok := p.peek()
	if !ok || op.kind != tokOp {
		return nil, fmt.Errorf("marker: expected operator after %q", left.val)
	}
	p.pos++
	right, err := p.operand()
	if err != nil {
		return nil, err
	}
	if left.kind == tokString && right.kind == tokString {
		return nil, fmt.Errorf("marker: comparison of two literals %q and %q", left.val, right.val)
	}
	return cmpExpr{
		left: left.val, op: op.val, right: right.val,
		leftVar: left.kind == tokVar, rightVar: right.kind == tokVar,
	}, nil
}

func (p *parser) operand() (token, error) {
	t, ok := p.peek()
	if !ok {
		return token{}, fmt.Errorf("marker: unexpected end of expression")
	}
	if t.kind != tokVar && t.kind != tokString {
		return token{}, fmt.Errorf("marker: expected variable or string, got %q", t.val)
	}
	p.pos++
	return t, nil
}
