package query

import "fmt"

// Expr is a node of a parsed $filter expression
type Expr interface {
	fmt.Stringer
	expr()
}

type LiteralKind int

const (
	NullLiteral LiteralKind = iota
	StringLiteral
	BooleanLiteral
	IntegerLiteral
	DecimalLiteral
	DateTimeLiteral
	DateTimeOffsetLiteral
)

func (k LiteralKind) String() string {
	return [...]string{"null", "string", "boolean", "integer", "decimal", "datetime", "datetimeoffset"}[k]
}

// Literal holds a constant. Integers are int64, decimals float64 and both datetime
// kinds are converted to epoch milliseconds (int64).
type Literal struct {
	Kind  LiteralKind
	Value any
}

type Member struct {
	Name string
}

type Binary struct {
	Op    string
	Left  Expr
	Right Expr
}

type Unary struct {
	Op      string
	Operand Expr
}

type Call struct {
	Name string
	Args []Expr
}

func (*Literal) expr() {}
func (*Member) expr()  {}
func (*Binary) expr()  {}
func (*Unary) expr()   {}
func (*Call) expr()    {}

func (l *Literal) String() string {
	switch l.Kind {
	case NullLiteral:
		return "null"
	case StringLiteral:
		return fmt.Sprintf("'%v'", l.Value)
	case DateTimeLiteral:
		return fmt.Sprintf("datetime'%v'", l.Value)
	case DateTimeOffsetLiteral:
		return fmt.Sprintf("datetimeoffset'%v'", l.Value)
	}
	return fmt.Sprintf("%v", l.Value)
}

func (m *Member) String() string { return m.Name }

func (b *Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, b.Op, b.Right)
}

func (u *Unary) String() string {
	return fmt.Sprintf("(%s %s)", u.Op, u.Operand)
}

func (c *Call) String() string {
	s := c.Name + "("
	for i, a := range c.Args {
		if i > 0 {
			s += ","
		}
		s += a.String()
	}
	return s + ")"
}
