// Package filter compiles the subscription filter DSL (SPEC_FULL.md §6)
// into a staged predicate tree and evaluates it across the four staged
// filters of §4.1: Packet-Continue, Packet, Protocol, and Session.
package filter

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var dslLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "ByteSeq", Pattern: `\|(?:[0-9a-fA-F]{2}\s*)+\|`},
	{Name: "Regex", Pattern: `/(?:\\.|[^/\\])*/`},
	{Name: "String", Pattern: `'(?:\\.|[^'\\])*'|"(?:\\.|[^"\\])*"`},
	{Name: "CIDR", Pattern: `[0-9]{1,3}(?:\.[0-9]{1,3}){3}/[0-9]{1,3}`},
	{Name: "IPv4", Pattern: `[0-9]{1,3}(?:\.[0-9]{1,3}){3}`},
	{Name: "Range", Pattern: `[0-9]+\.\.[0-9]+`},
	{Name: "Number", Pattern: `[0-9]+`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Op", Pattern: `!=|<=|>=|==|=|<|>|~`},
	{Name: "Punct", Pattern: `[().]`},
})

// Expr is the top-level boolean-or expression.
type Expr struct {
	Or []*AndExpr `parser:"@@ ( \"or\" @@ )*"`
}

// AndExpr is a boolean-and expression of possibly-negated atoms.
type AndExpr struct {
	And []*Unary `parser:"@@ ( \"and\" @@ )*"`
}

// Unary is an atom, optionally negated.
type Unary struct {
	Negate bool `parser:"( @\"not\" )?"`
	Atom   *Atom `parser:"@@"`
}

// Atom is either a parenthesized sub-expression or a leaf comparison.
type Atom struct {
	Sub        *Expr       `parser:"  \"(\" @@ \")\""`
	Comparison *Comparison `parser:"| @@"`
}

// Comparison is `protocol`, or `protocol.field op value`.
type Comparison struct {
	Protocol string  `parser:"@Ident"`
	Field    *string `parser:"( \".\" @Ident"`
	Op       *string `parser:"  @(\"=\"|\"!=\"|\"<=\"|\">=\"|\"<\"|\">\"|\"~\"|\"in\"|\"contains\")"`
	Value    *Value  `parser:"  @@ )?"`
}

// Value is any literal the DSL accepts on the right-hand side of an
// operator.
type Value struct {
	Str     *string `parser:"  @String"`
	ByteSeq *string `parser:"| @ByteSeq"`
	Regex   *string `parser:"| @Regex"`
	Range   *string `parser:"| @Range"`
	CIDR    *string `parser:"| @CIDR"`
	IPv4    *string `parser:"| @IPv4"`
	Number  *string `parser:"| @Number"`
	Ident   *string `parser:"| @Ident"`
}

var dslParser = participle.MustBuild[Expr](
	participle.Lexer(dslLexer),
	participle.Unquote("String"),
	participle.UseLookahead(2),
	participle.Elide("Whitespace"),
)

// ParseDSL parses a filter predicate string into its AST.
func ParseDSL(src string) (*Expr, error) {
	return dslParser.ParseString("", src)
}
