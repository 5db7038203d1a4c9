package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/diwise/odata-broker/pkg/odata/errors"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokTyped
	tokLParen
	tokRParen
	tokComma
	tokMinus
)

type token struct {
	kind tokenKind
	text string
	// prefix of a typed literal such as datetime'...'
	typ string
	pos int
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && l.src[l.pos] == ' ' {
		l.pos++
	}

	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}

	c := l.src[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil
	case c == '-':
		l.pos++
		return token{kind: tokMinus, text: "-", pos: start}, nil
	case c == '\'':
		s, err := l.quoted()
		return token{kind: tokString, text: s, pos: start}, err
	case c >= '0' && c <= '9':
		return l.number(), nil
	case c == '_' || c == '$' || unicode.IsLetter(rune(c)):
		for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
			l.pos++
		}
		ident := l.src[start:l.pos]

		if l.pos < len(l.src) && l.src[l.pos] == '\'' {
			s, err := l.quoted()
			return token{kind: tokTyped, text: s, typ: strings.ToLower(ident), pos: start}, err
		}

		return token{kind: tokIdent, text: ident, pos: start}, nil
	}

	return token{}, fmt.Errorf("unexpected character %q at position %d", c, start)
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '.' || c == '/' || c == '$' || (c >= '0' && c <= '9') || unicode.IsLetter(rune(c))
}

func (l *lexer) quoted() (string, error) {
	start := l.pos
	l.pos++

	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\'' {
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '\'' {
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return sb.String(), nil
		}
		sb.WriteByte(c)
		l.pos++
	}

	return "", fmt.Errorf("unterminated string starting at position %d", start)
}

func (l *lexer) number() token {
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			l.pos++
			continue
		}
		if (c == 'e' || c == 'E') && l.pos+1 < len(l.src) {
			l.pos++
			if l.src[l.pos] == '+' || l.src[l.pos] == '-' {
				l.pos++
			}
			continue
		}
		break
	}

	// type suffixes, M and D and F make a decimal, L a long
	if l.pos < len(l.src) && strings.ContainsRune("mMdDfFlL", rune(l.src[l.pos])) {
		l.pos++
	}

	return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}
}

type parser struct {
	lex  lexer
	tok  token
	peek *token
}

// ParseFilter parses the value of a $filter option into an expression tree
func ParseFilter(filter string) (Expr, error) {
	p := &parser{lex: lexer{src: filter}}
	if err := p.advance(); err != nil {
		return nil, filterError(err)
	}

	e, err := p.parseOr()
	if err != nil {
		return nil, filterError(err)
	}

	if p.tok.kind != tokEOF {
		return nil, filterError(fmt.Errorf("unexpected %q at position %d", p.tok.text, p.tok.pos))
	}

	return e, nil
}

func filterError(err error) error {
	if errors.IsStorageError(err) {
		return err
	}
	return errors.NewValidationError(errors.CodeFilterParseError, "failed to parse $filter: "+err.Error())
}

func (p *parser) advance() (err error) {
	if p.peek != nil {
		p.tok = *p.peek
		p.peek = nil
		return nil
	}
	p.tok, err = p.lex.next()
	return err
}

func (p *parser) lookahead() (token, error) {
	if p.peek == nil {
		t, err := p.lex.next()
		if err != nil {
			return token{}, err
		}
		p.peek = &t
	}
	return *p.peek, nil
}

func (p *parser) isKeyword(words ...string) (string, bool) {
	if p.tok.kind != tokIdent {
		return "", false
	}
	for _, w := range words {
		if p.tok.text == w {
			return w, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for {
		if _, ok := p.isKeyword("or"); !ok {
			return left, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "or", Left: left, Right: right}
	}
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}

	for {
		if _, ok := p.isKeyword("and"); !ok {
			return left, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "and", Left: left, Right: right}
	}
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	for {
		op, ok := p.isKeyword("eq", "ne", "lt", "le", "gt", "ge")
		if !ok {
			return left, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}

	for {
		op, ok := p.isKeyword("add", "sub")
		if !ok {
			return left, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		op, ok := p.isKeyword("mul", "div", "mod")
		if !ok {
			return left, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	if _, ok := p.isKeyword("not"); ok {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "not", Operand: operand}, nil
	}

	if p.tok.kind == tokMinus {
		if err := p.advance(); err != nil {
			return nil, err
		}

		if p.tok.kind == tokNumber {
			p.tok.text = "-" + p.tok.text
			return p.parsePrimary()
		}

		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "-", Operand: operand}, nil
	}

	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.tok

	switch tok.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at position %d", p.tok.pos)
		}
		return e, p.advance()

	case tokString:
		return &Literal{Kind: StringLiteral, Value: tok.text}, p.advance()

	case tokNumber:
		lit, err := numberLiteral(tok.text)
		if err != nil {
			return nil, err
		}
		return lit, p.advance()

	case tokTyped:
		lit, err := typedLiteral(tok.typ, tok.text)
		if err != nil {
			return nil, err
		}
		return lit, p.advance()

	case tokIdent:
		switch tok.text {
		case "null":
			return &Literal{Kind: NullLiteral}, p.advance()
		case "true", "false":
			return &Literal{Kind: BooleanLiteral, Value: tok.text == "true"}, p.advance()
		}

		next, err := p.lookahead()
		if err != nil {
			return nil, err
		}

		if next.kind == tokLParen {
			return p.parseCall()
		}

		return &Member{Name: tok.text}, p.advance()
	}

	if tok.kind == tokEOF {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	return nil, fmt.Errorf("unexpected %q at position %d", tok.text, tok.pos)
}

func (p *parser) parseCall() (Expr, error) {
	call := &Call{Name: p.tok.text}

	// name and opening parenthesis
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	if p.tok.kind == tokRParen {
		return call, p.advance()
	}

	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)

		switch p.tok.kind {
		case tokComma:
			if err := p.advance(); err != nil {
				return nil, err
			}
		case tokRParen:
			return call, p.advance()
		default:
			return nil, fmt.Errorf("expected , or ) in call to %s at position %d", call.Name, p.tok.pos)
		}
	}
}

func numberLiteral(text string) (*Literal, error) {
	suffix := ""
	if last := text[len(text)-1]; strings.ContainsRune("mMdDfFlL", rune(last)) {
		suffix = strings.ToLower(string(last))
		text = text[:len(text)-1]
	}

	if suffix != "m" && suffix != "d" && suffix != "f" && !strings.ContainsAny(text, ".eE") {
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return &Literal{Kind: IntegerLiteral, Value: i}, nil
		}
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed number %s", text)
	}

	return &Literal{Kind: DecimalLiteral, Value: f}, nil
}

var dateTimeLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04"}
var dateTimeOffsetLayouts = []string{time.RFC3339, "2006-01-02T15:04Z07:00"}

func typedLiteral(typ, text string) (*Literal, error) {
	switch typ {
	case "datetime":
		for _, layout := range dateTimeLayouts {
			if t, err := time.ParseInLocation(layout, text, time.UTC); err == nil {
				return &Literal{Kind: DateTimeLiteral, Value: t.UnixMilli()}, nil
			}
		}
		return nil, fmt.Errorf("malformed datetime literal %q", text)

	case "datetimeoffset":
		for _, layout := range dateTimeOffsetLayouts {
			if t, err := time.Parse(layout, text); err == nil {
				return &Literal{Kind: DateTimeOffsetLiteral, Value: t.UnixMilli()}, nil
			}
		}
		return nil, fmt.Errorf("malformed datetimeoffset literal %q", text)

	case "guid":
		return &Literal{Kind: StringLiteral, Value: text}, nil
	}

	return nil, errors.NewUnsupportedError(errors.CodeUnsupportedOperator, fmt.Sprintf("%s literals are not supported", typ))
}
