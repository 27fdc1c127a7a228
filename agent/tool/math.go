package tool

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/cloudwego/eino/schema"
)

const (
	ToolMathEvaluate = "math.evaluate"

	maxMathExpressionLen = 256
)

// Accepts digits, whitespace, decimal points, operators, and parentheses.
var mathExpressionPattern = regexp.MustCompile(`^[\d\s\+\-\*/%\^\(\)\.]+$`)

type MathEvaluateOutput struct {
	Expression string  `json:"expression"`
	Result     float64 `json:"result"`
}

func MathTool() Tool {
	return Tool{
		Name: ToolMathEvaluate,
		Desc: "Evaluate an arithmetic expression (+ - * / % ^ and parentheses). ^ binds tighter than unary minus: -2^2 is -4.",
		Params: []Param{{
			Name:     "expression",
			Type:     schema.String,
			Desc:     "Expression to evaluate, e.g. (12.5 * 4) - 3",
			Required: true,
			MaxLen:   maxMathExpressionLen,
			Check: func(value any) error {
				return validateMathExpression(strings.TrimSpace(value.(string)))
			},
		}},
		Handler: evaluateMath,
	}
}

func evaluateMath(_ context.Context, call Call) (any, error) {
	expression := stringArg(call.Args, "expression")
	result, err := evaluateMathExpression(expression)
	if err != nil {
		return nil, err
	}
	if math.IsInf(result, 0) || math.IsNaN(result) {
		return nil, fmt.Errorf("result is not a finite number")
	}
	return MathEvaluateOutput{
		Expression: expression,
		Result:     result,
	}, nil
}

func validateMathExpression(expression string) error {
	if expression == "" {
		return fmt.Errorf("expression is empty")
	}
	if !mathExpressionPattern.MatchString(expression) {
		return fmt.Errorf("expression contains invalid characters")
	}

	balance := 0
	for _, ch := range expression {
		switch ch {
		case '(':
			balance++
		case ')':
			balance--
			if balance < 0 {
				return fmt.Errorf("expression has unbalanced parentheses")
			}
		}
	}
	if balance != 0 {
		return fmt.Errorf("expression has unbalanced parentheses")
	}
	return nil
}

func evaluateMathExpression(expression string) (float64, error) {
	tokens, err := lexMath(expression)
	if err != nil {
		return 0, err
	}
	p := &mathParser{tokens: tokens}
	value, err := p.expr(0)
	if err != nil {
		return 0, err
	}
	if tok := p.peek(); tok.kind != mathEOF {
		return 0, fmt.Errorf("unexpected %q at position %d", tok.text, tok.pos)
	}
	return value, nil
}

type mathTokenKind int

const (
	mathEOF mathTokenKind = iota
	mathNumber
	mathOp
	mathOpen
	mathClose
)

type mathToken struct {
	kind  mathTokenKind
	text  string
	value float64
	pos   int
}

func lexMath(input string) ([]mathToken, error) {
	var tokens []mathToken
	for i := 0; i < len(input); {
		ch := input[i]
		switch {
		case unicode.IsSpace(rune(ch)):
			i++
		case ch == '(':
			tokens = append(tokens, mathToken{kind: mathOpen, text: "(", pos: i})
			i++
		case ch == ')':
			tokens = append(tokens, mathToken{kind: mathClose, text: ")", pos: i})
			i++
		case strings.IndexByte("+-*/%^", ch) >= 0:
			tokens = append(tokens, mathToken{kind: mathOp, text: string(ch), pos: i})
			i++
		case ch == '.' || (ch >= '0' && ch <= '9'):
			start := i
			for i < len(input) && (input[i] == '.' || (input[i] >= '0' && input[i] <= '9')) {
				i++
			}
			raw := input[start:i]
			if strings.Count(raw, ".") > 1 || raw == "." {
				return nil, fmt.Errorf("invalid number %q at position %d", raw, start)
			}
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q: %w", raw, err)
			}
			tokens = append(tokens, mathToken{kind: mathNumber, text: raw, value: value, pos: start})
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
		}
	}
	return append(tokens, mathToken{kind: mathEOF, text: "end of input", pos: len(input)}), nil
}

// Binary precedence. '^' is right-associative and binds tighter than a
// unary sign, so -2^2 is -4.
var mathPrecedence = map[string]int{
	"+": 1, "-": 1,
	"*": 2, "/": 2, "%": 2,
	"^": 3,
}

type mathParser struct {
	tokens []mathToken
	pos    int
}

func (p *mathParser) peek() mathToken {
	return p.tokens[p.pos]
}

func (p *mathParser) next() mathToken {
	tok := p.tokens[p.pos]
	if tok.kind != mathEOF {
		p.pos++
	}
	return tok
}

// expr parses operators whose precedence exceeds minPrec.
func (p *mathParser) expr(minPrec int) (float64, error) {
	left, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		tok := p.peek()
		prec, ok := mathPrecedence[tok.text]
		if tok.kind != mathOp || !ok || prec <= minPrec {
			return left, nil
		}
		p.next()
		nextMin := prec
		if tok.text == "^" {
			nextMin = prec - 1
		}
		right, err := p.expr(nextMin)
		if err != nil {
			return 0, err
		}
		if left, err = applyMathOp(tok.text, left, right); err != nil {
			return 0, err
		}
	}
}

func (p *mathParser) unary() (float64, error) {
	tok := p.next()
	switch {
	case tok.kind == mathOp && tok.text == "+":
		return p.expr(mathPrecedence["*"])
	case tok.kind == mathOp && tok.text == "-":
		v, err := p.expr(mathPrecedence["*"])
		return -v, err
	case tok.kind == mathNumber:
		return tok.value, nil
	case tok.kind == mathOpen:
		v, err := p.expr(0)
		if err != nil {
			return 0, err
		}
		if closing := p.next(); closing.kind != mathClose {
			return 0, fmt.Errorf("missing closing parenthesis at position %d", closing.pos)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("expected number at position %d, got %q", tok.pos, tok.text)
	}
}

func applyMathOp(op string, left, right float64) (float64, error) {
	switch op {
	case "+":
		return left + right, nil
	case "-":
		return left - right, nil
	case "*":
		return left * right, nil
	case "/":
		if right == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return left / right, nil
	case "%":
		if right == 0 {
			return 0, fmt.Errorf("modulo by zero")
		}
		return math.Mod(left, right), nil
	case "^":
		return math.Pow(left, right), nil
	}
	return 0, fmt.Errorf("unknown operator %q", op)
}
