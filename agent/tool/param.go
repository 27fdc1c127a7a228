package tool

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
)

// Param describes one argument of a tool. Validation is strict: unknown
// arguments are rejected along with missing or mistyped ones.
type Param struct {
	Name     string
	Type     schema.DataType
	Desc     string
	Required bool
	Enum     []string
	Min      *float64
	Max      *float64
	MaxLen   int
	Pattern  *regexp.Regexp
	// Check runs after the built-in checks pass.
	Check func(value any) error
}

func floatPtr(v float64) *float64 {
	return &v
}

func validateArgs(params []Param, args map[string]any) error {
	known := make(map[string]Param, len(params))
	for _, p := range params {
		known[p.Name] = p
	}

	unknown := make([]string, 0)
	for name := range args {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: unknown arguments %s", contractx.ErrToolValidation, strings.Join(unknown, ","))
	}

	for _, p := range params {
		value, ok := args[p.Name]
		if !ok || value == nil {
			if p.Required {
				return fmt.Errorf("%w: %s is required", contractx.ErrToolValidation, p.Name)
			}
			continue
		}
		if err := p.validate(value); err != nil {
			return fmt.Errorf("%w: %s %v", contractx.ErrToolValidation, p.Name, err)
		}
	}
	return nil
}

func (p Param) validate(value any) error {
	switch p.Type {
	case schema.String:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("must be a string")
		}
		if p.Required && strings.TrimSpace(s) == "" {
			return fmt.Errorf("must not be empty")
		}
		if p.MaxLen > 0 && utf8.RuneCountInString(s) > p.MaxLen {
			return fmt.Errorf("exceeds %d characters", p.MaxLen)
		}
		if len(p.Enum) > 0 && !containsString(p.Enum, s) {
			return fmt.Errorf("must be one of %s", strings.Join(p.Enum, ","))
		}
		if p.Pattern != nil && !p.Pattern.MatchString(s) {
			return fmt.Errorf("has an invalid format")
		}
	case schema.Integer, schema.Number:
		n, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("must be a number")
		}
		if p.Type == schema.Integer && n != math.Trunc(n) {
			return fmt.Errorf("must be an integer")
		}
		if p.Min != nil && n < *p.Min {
			return fmt.Errorf("must be >= %v", *p.Min)
		}
		if p.Max != nil && n > *p.Max {
			return fmt.Errorf("must be <= %v", *p.Max)
		}
	case schema.Boolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("must be a boolean")
		}
	default:
		return fmt.Errorf("has unsupported type %s", p.Type)
	}

	if p.Check != nil {
		return p.Check(value)
	}
	return nil
}

func (p Param) info() *schema.ParameterInfo {
	return &schema.ParameterInfo{
		Type:     p.Type,
		Desc:     p.Desc,
		Enum:     p.Enum,
		Required: p.Required,
	}
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return strings.TrimSpace(s)
}

func intArg(args map[string]any, name string, fallback int) int {
	n, ok := toFloat(args[name])
	if !ok {
		return fallback
	}
	return int(n)
}
