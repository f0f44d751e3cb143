package child

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Calc is a small line-oriented calculator used as the demo child runtime.
//
//	1 + 2 * 3          prints 7
//	set x = 40 + 2     stores x in the shared state
//	print x / 2        prints 21
//	get x              prints 42
//	del x
//	keys               prints the shared state keys
//	html <b>hi</b>     sends rich content to the host
//
// Statements are separated by newlines or semicolons. Identifiers in
// expressions are read from the shared state. An unclosed parenthesis or a
// trailing operator reports incomplete input.
type Calc struct{}

func (Calc) Eval(ctx context.Context, conn *Conn, req Request) error {
	for _, stmt := range splitStatements(req.Code) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := execStatement(conn, stmt, req.Silent); err != nil {
			return err
		}
	}
	return nil
}

func splitStatements(code string) []string {
	var out []string
	for _, line := range strings.Split(code, "\n") {
		for _, stmt := range strings.Split(line, ";") {
			if stmt = strings.TrimSpace(stmt); stmt != "" && !strings.HasPrefix(stmt, "#") {
				out = append(out, stmt)
			}
		}
	}
	return out
}

func execStatement(conn *Conn, stmt string, silent bool) error {
	word, rest, _ := strings.Cut(stmt, " ")
	rest = strings.TrimSpace(rest)

	switch word {
	case "print":
		v, err := evalExpr(conn, rest)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(conn, v)
		return err
	case "set":
		name, expr, ok := strings.Cut(rest, "=")
		name = strings.TrimSpace(name)
		if !ok {
			if name == "" || !isIdent(name) {
				return fmt.Errorf("syntax error: expected set <name> = <expr>")
			}
			return ErrIncomplete
		}
		if !isIdent(name) {
			return fmt.Errorf("syntax error: invalid name %q", name)
		}
		v, err := evalExpr(conn, expr)
		if err != nil {
			return err
		}
		return conn.Put(name, v)
	case "get":
		v, err := conn.Get(rest)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(conn, v)
		return err
	case "del":
		_, err := conn.Delete(rest)
		return err
	case "keys":
		keys, err := conn.Keys()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(conn, strings.Join(keys, " "))
		return err
	case "html":
		return conn.Display("text/html", rest)
	}

	v, err := evalExpr(conn, stmt)
	if err != nil {
		return err
	}
	if silent {
		return nil
	}
	_, err = fmt.Fprintln(conn, v)
	return err
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if !(r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r))) {
			return false
		}
	}
	return true
}

var errDivByZero = errors.New("division by zero")

type lookup interface {
	Get(key string) (any, error)
}

func evalExpr(vars lookup, src string) (int64, error) {
	toks, err := tokenize(src)
	if err != nil {
		return 0, err
	}
	if len(toks) == 0 {
		return 0, ErrIncomplete
	}
	p := &parser{toks: toks, vars: vars}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	if p.pos < len(p.toks) {
		return 0, fmt.Errorf("syntax error: unexpected %q", p.toks[p.pos])
	}
	return v, nil
}

func tokenize(src string) ([]string, error) {
	var toks []string
	for i := 0; i < len(src); {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case strings.ContainsRune("+-*/%()", c):
			toks = append(toks, string(c))
			i++
		case unicode.IsDigit(c) || c == '_' || unicode.IsLetter(c):
			j := i
			for j < len(src) && (src[j] == '_' || unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j]))) {
				j++
			}
			toks = append(toks, src[i:j])
			i = j
		default:
			return nil, fmt.Errorf("syntax error: unexpected %q", c)
		}
	}
	return toks, nil
}

type parser struct {
	toks []string
	pos  int
	vars lookup
}

func (p *parser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *parser) expr() (int64, error) {
	v, err := p.term()
	if err != nil {
		return 0, err
	}
	for op := p.peek(); op == "+" || op == "-"; op = p.peek() {
		p.pos++
		r, err := p.term()
		if err != nil {
			return 0, err
		}
		if op == "+" {
			v += r
		} else {
			v -= r
		}
	}
	return v, nil
}

func (p *parser) term() (int64, error) {
	v, err := p.factor()
	if err != nil {
		return 0, err
	}
	for op := p.peek(); op == "*" || op == "/" || op == "%"; op = p.peek() {
		p.pos++
		r, err := p.factor()
		if err != nil {
			return 0, err
		}
		switch op {
		case "*":
			v *= r
		case "/", "%":
			if r == 0 {
				return 0, errDivByZero
			}
			if op == "/" {
				v /= r
			} else {
				v %= r
			}
		}
	}
	return v, nil
}

func (p *parser) factor() (int64, error) {
	tok := p.peek()
	if tok == "" {
		return 0, ErrIncomplete
	}
	p.pos++

	switch {
	case tok == "-":
		v, err := p.factor()
		return -v, err
	case tok == "(":
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		if p.peek() == "" {
			return 0, ErrIncomplete
		}
		if p.peek() != ")" {
			return 0, fmt.Errorf("syntax error: expected ) before %q", p.peek())
		}
		p.pos++
		return v, nil
	case unicode.IsDigit(rune(tok[0])):
		v, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("syntax error: bad number %q", tok)
		}
		return v, nil
	case isIdent(tok):
		return p.variable(tok)
	default:
		return 0, fmt.Errorf("syntax error: unexpected %q", tok)
	}
}

func (p *parser) variable(name string) (int64, error) {
	v, err := p.vars.Get(name)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%s is not an integer", name)
		}
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s is not a number", name)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%s is not a number", name)
	}
}
