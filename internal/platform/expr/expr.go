package expr

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Restricted expression evaluator
//
// This file implements a tokenizer and recursive-descent evaluator for the
// closed grammar used by custom formulas and generic reflex rules: numbers,
// quoted strings, + - * / ( ), comparison operators, && and ||, plus a
// "BETWEEN a AND b" sugar that is rewritten to (x >= a && x <= b) before
// parsing. Variables are substituted textually with whole-word matching
// before evaluation; anything left unresolved is a parse error, so rule
// strings can never execute code.
// ---------------------------------------------------------------------------

// Kind identifies the runtime type of an evaluated value.
type Kind int

const (
	KindNumber Kind = iota
	KindString
	KindBool
)

// Value is the tagged result of evaluating a subexpression.
type Value struct {
	Kind Kind
	Num  float64
	Str  string
	Bool bool
}

// betweenRe matches "x BETWEEN a AND b" where each operand is an identifier
// or a signed numeric literal. Case-insensitive on the keywords.
var betweenRe = regexp.MustCompile(`(?i)([A-Za-z_]\w*|-?\d+(?:\.\d+)?)\s+BETWEEN\s+(-?\d+(?:\.\d+)?)\s+AND\s+(-?\d+(?:\.\d+)?)`)

// RewriteBetween expands every BETWEEN clause into its comparison form. It
// runs before variable substitution so that a negative substituted value
// (base excess, corrected deltas) cannot break the first-operand match.
func RewriteBetween(expression string) string {
	return betweenRe.ReplaceAllString(expression, "($1 >= $2 && $1 <= $3)")
}

// Substitute replaces whole-word occurrences of each variable with its
// literal value. Word-boundary matching is load-bearing: a variable named
// "K" must not match inside "CK". Longer names are substituted first so a
// variable never clobbers part of a longer one.
func Substitute(expression string, nums map[string]float64, strs map[string]string) string {
	names := make([]string, 0, len(nums)+len(strs))
	for n := range nums {
		names = append(names, n)
	}
	for n := range strs {
		names = append(names, n)
	}
	// Insertion sort by descending length; variable maps are tiny.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && len(names[j]) > len(names[j-1]); j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	for _, name := range names {
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(name) + `\b`)
		if err != nil {
			continue
		}
		if v, ok := nums[name]; ok {
			expression = re.ReplaceAllString(expression, strconv.FormatFloat(v, 'f', -1, 64))
		} else {
			expression = re.ReplaceAllString(expression, `'`+strs[name]+`'`)
		}
	}
	return expression
}

// EvaluateNumber rewrites BETWEEN sugar, substitutes numeric variables, and
// evaluates the expression. The result must be a finite number; anything
// else — a boolean result, an unresolved identifier, division blowing up to
// infinity — is an error, never a panic.
func EvaluateNumber(expression string, vars map[string]float64) (float64, error) {
	src := Substitute(RewriteBetween(expression), vars, nil)
	v, err := evaluate(src)
	if err != nil {
		return 0, err
	}
	if v.Kind != KindNumber {
		return 0, fmt.Errorf("expression %q did not produce a number", expression)
	}
	if math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
		return 0, fmt.Errorf("expression %q produced a non-finite result", expression)
	}
	return v.Num, nil
}

// EvaluateCondition evaluates a rule string such as "value > 100",
// "value BETWEEN 50 AND 100", or "abnormalFlag == 'HIGH'" to a boolean.
func EvaluateCondition(expression string, nums map[string]float64, strs map[string]string) (bool, error) {
	src := Substitute(RewriteBetween(expression), nums, strs)
	v, err := evaluate(src)
	if err != nil {
		return false, err
	}
	if v.Kind != KindBool {
		return false, fmt.Errorf("condition %q did not produce a boolean", expression)
	}
	return v.Bool, nil
}

// ---------------------------------------------------------------------------
// Tokenizer
// ---------------------------------------------------------------------------

type tokenType int

const (
	tokenNumber tokenType = iota
	tokenString
	tokenOp     // + - * /
	tokenCmp    // > < >= <= == !=
	tokenAndAnd // &&
	tokenOrOr   // ||
	tokenLParen
	tokenRParen
)

type token struct {
	Type  tokenType
	Value string
	Num   float64
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(src)

	for i < n {
		ch := src[i]

		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}

		if ch == '(' {
			tokens = append(tokens, token{Type: tokenLParen, Value: "("})
			i++
			continue
		}
		if ch == ')' {
			tokens = append(tokens, token{Type: tokenRParen, Value: ")"})
			i++
			continue
		}

		// Quoted string, single or double quotes.
		if ch == '\'' || ch == '"' {
			j := i + 1
			for j < n && src[j] != ch {
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("unclosed string starting at position %d", i)
			}
			tokens = append(tokens, token{Type: tokenString, Value: src[i+1 : j]})
			i = j + 1
			continue
		}

		// Number.
		if ch >= '0' && ch <= '9' || ch == '.' {
			j := i
			for j < n && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			num, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q at position %d", src[i:j], i)
			}
			tokens = append(tokens, token{Type: tokenNumber, Num: num})
			i = j
			continue
		}

		// Two-character operators first.
		if i+1 < n {
			two := src[i : i+2]
			switch two {
			case ">=", "<=", "==", "!=":
				tokens = append(tokens, token{Type: tokenCmp, Value: two})
				i += 2
				continue
			case "&&":
				tokens = append(tokens, token{Type: tokenAndAnd, Value: two})
				i += 2
				continue
			case "||":
				tokens = append(tokens, token{Type: tokenOrOr, Value: two})
				i += 2
				continue
			}
		}

		switch ch {
		case '>', '<':
			tokens = append(tokens, token{Type: tokenCmp, Value: string(ch)})
			i++
			continue
		case '+', '-', '*', '/':
			tokens = append(tokens, token{Type: tokenOp, Value: string(ch)})
			i++
			continue
		}

		// Anything else — identifiers that survived substitution, semicolons,
		// brackets — is rejected outright.
		if isWordStart(ch) {
			j := i
			for j < n && isWordChar(src[j]) {
				j++
			}
			return nil, fmt.Errorf("unknown identifier %q at position %d", src[i:j], i)
		}
		return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
	}

	return tokens, nil
}

func isWordStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isWordChar(ch byte) bool {
	return isWordStart(ch) || (ch >= '0' && ch <= '9')
}

// ---------------------------------------------------------------------------
// Recursive descent evaluator
//
// Grammar (with precedence):
//   expr    -> orExpr
//   orExpr  -> andExpr ("||" andExpr)*
//   andExpr -> cmpExpr ("&&" cmpExpr)*
//   cmpExpr -> addExpr (CMP addExpr)?
//   addExpr -> mulExpr (("+"|"-") mulExpr)*
//   mulExpr -> unary (("*"|"/") unary)*
//   unary   -> "-" unary | primary
//   primary -> NUMBER | STRING | "(" expr ")"
// ---------------------------------------------------------------------------

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() *token {
	if p.pos >= len(p.tokens) {
		return nil
	}
	return &p.tokens[p.pos]
}

func (p *parser) advance() *token {
	if p.pos >= len(p.tokens) {
		return nil
	}
	t := &p.tokens[p.pos]
	p.pos++
	return t
}

func evaluate(src string) (Value, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return Value{}, fmt.Errorf("empty expression")
	}

	tokens, err := tokenize(src)
	if err != nil {
		return Value{}, err
	}
	if len(tokens) == 0 {
		return Value{}, fmt.Errorf("empty expression")
	}

	p := &parser{tokens: tokens}
	v, err := p.parseOrExpr()
	if err != nil {
		return Value{}, err
	}
	if p.pos < len(p.tokens) {
		return Value{}, fmt.Errorf("unexpected token %q after expression", p.tokens[p.pos].Value)
	}
	return v, nil
}

func (p *parser) parseOrExpr() (Value, error) {
	left, err := p.parseAndExpr()
	if err != nil {
		return Value{}, err
	}
	for {
		t := p.peek()
		if t == nil || t.Type != tokenOrOr {
			break
		}
		p.advance()
		right, err := p.parseAndExpr()
		if err != nil {
			return Value{}, err
		}
		if left.Kind != KindBool || right.Kind != KindBool {
			return Value{}, fmt.Errorf("|| requires boolean operands")
		}
		left = Value{Kind: KindBool, Bool: left.Bool || right.Bool}
	}
	return left, nil
}

func (p *parser) parseAndExpr() (Value, error) {
	left, err := p.parseCmpExpr()
	if err != nil {
		return Value{}, err
	}
	for {
		t := p.peek()
		if t == nil || t.Type != tokenAndAnd {
			break
		}
		p.advance()
		right, err := p.parseCmpExpr()
		if err != nil {
			return Value{}, err
		}
		if left.Kind != KindBool || right.Kind != KindBool {
			return Value{}, fmt.Errorf("&& requires boolean operands")
		}
		left = Value{Kind: KindBool, Bool: left.Bool && right.Bool}
	}
	return left, nil
}

func (p *parser) parseCmpExpr() (Value, error) {
	left, err := p.parseAddExpr()
	if err != nil {
		return Value{}, err
	}
	t := p.peek()
	if t == nil || t.Type != tokenCmp {
		return left, nil
	}
	op := p.advance().Value
	right, err := p.parseAddExpr()
	if err != nil {
		return Value{}, err
	}
	return compare(left, op, right)
}

func compare(left Value, op string, right Value) (Value, error) {
	// String comparison supports equality only.
	if left.Kind == KindString && right.Kind == KindString {
		switch op {
		case "==":
			return Value{Kind: KindBool, Bool: strings.EqualFold(left.Str, right.Str)}, nil
		case "!=":
			return Value{Kind: KindBool, Bool: !strings.EqualFold(left.Str, right.Str)}, nil
		default:
			return Value{}, fmt.Errorf("operator %q is not valid for strings", op)
		}
	}
	if left.Kind != KindNumber || right.Kind != KindNumber {
		return Value{}, fmt.Errorf("operator %q requires matching operand types", op)
	}
	var b bool
	switch op {
	case ">":
		b = left.Num > right.Num
	case "<":
		b = left.Num < right.Num
	case ">=":
		b = left.Num >= right.Num
	case "<=":
		b = left.Num <= right.Num
	case "==":
		b = left.Num == right.Num
	case "!=":
		b = left.Num != right.Num
	default:
		return Value{}, fmt.Errorf("unknown comparison operator %q", op)
	}
	return Value{Kind: KindBool, Bool: b}, nil
}

func (p *parser) parseAddExpr() (Value, error) {
	left, err := p.parseMulExpr()
	if err != nil {
		return Value{}, err
	}
	for {
		t := p.peek()
		if t == nil || t.Type != tokenOp || (t.Value != "+" && t.Value != "-") {
			break
		}
		op := p.advance().Value
		right, err := p.parseMulExpr()
		if err != nil {
			return Value{}, err
		}
		if left.Kind != KindNumber || right.Kind != KindNumber {
			return Value{}, fmt.Errorf("operator %q requires numeric operands", op)
		}
		if op == "+" {
			left = Value{Kind: KindNumber, Num: left.Num + right.Num}
		} else {
			left = Value{Kind: KindNumber, Num: left.Num - right.Num}
		}
	}
	return left, nil
}

func (p *parser) parseMulExpr() (Value, error) {
	left, err := p.parseUnary()
	if err != nil {
		return Value{}, err
	}
	for {
		t := p.peek()
		if t == nil || t.Type != tokenOp || (t.Value != "*" && t.Value != "/") {
			break
		}
		op := p.advance().Value
		right, err := p.parseUnary()
		if err != nil {
			return Value{}, err
		}
		if left.Kind != KindNumber || right.Kind != KindNumber {
			return Value{}, fmt.Errorf("operator %q requires numeric operands", op)
		}
		if op == "*" {
			left = Value{Kind: KindNumber, Num: left.Num * right.Num}
		} else {
			if right.Num == 0 {
				return Value{}, fmt.Errorf("division by zero")
			}
			left = Value{Kind: KindNumber, Num: left.Num / right.Num}
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (Value, error) {
	t := p.peek()
	if t != nil && t.Type == tokenOp && t.Value == "-" {
		p.advance()
		v, err := p.parseUnary()
		if err != nil {
			return Value{}, err
		}
		if v.Kind != KindNumber {
			return Value{}, fmt.Errorf("unary minus requires a numeric operand")
		}
		return Value{Kind: KindNumber, Num: -v.Num}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Value, error) {
	t := p.peek()
	if t == nil {
		return Value{}, fmt.Errorf("unexpected end of expression")
	}

	switch t.Type {
	case tokenNumber:
		p.advance()
		return Value{Kind: KindNumber, Num: t.Num}, nil
	case tokenString:
		p.advance()
		return Value{Kind: KindString, Str: t.Value}, nil
	case tokenLParen:
		p.advance()
		v, err := p.parseOrExpr()
		if err != nil {
			return Value{}, err
		}
		rp := p.peek()
		if rp == nil || rp.Type != tokenRParen {
			return Value{}, fmt.Errorf("expected ')' to close parenthesized expression")
		}
		p.advance()
		return v, nil
	default:
		return Value{}, fmt.Errorf("unexpected token %q", t.Value)
	}
}
