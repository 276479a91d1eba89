package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
)

var (
	integerValue = regexp.MustCompile(`^[0-9]+$`)
	floatValue   = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)

	regexCache sync.Map
)

// MatchRegex matches s against a user supplied pattern. Patterns may be
// given with or without surrounding slashes. Invalid patterns never match.
func MatchRegex(pattern, s string) bool {
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		pattern = pattern[1 : len(pattern)-1]
	}

	var re *regexp2.Regexp
	if cached, ok := regexCache.Load(pattern); ok {
		re = cached.(*regexp2.Regexp)
	} else {
		compiled, err := regexp2.Compile(pattern, 0)
		if err != nil {
			return false
		}
		regexCache.Store(pattern, compiled)
		re = compiled
	}

	matched, err := re.MatchString(s)
	return err == nil && matched
}

// IsRegex reports whether a filter value is written as /regex/.
func IsRegex(value string) bool {
	return len(value) >= 2 && strings.HasPrefix(value, "/") && strings.HasSuffix(value, "/")
}

// MatchFact compares a fact value against a filter value. Lists match when
// any element matches and maps when any key matches.
func MatchFact(actual any, operator, value string) bool {
	switch v := actual.(type) {
	case nil:
		return false
	case []any:
		for _, el := range v {
			if compareFactValue(fmt.Sprint(el), operator, value) {
				return true
			}
		}
		return false
	case []string:
		for _, el := range v {
			if compareFactValue(el, operator, value) {
				return true
			}
		}
		return false
	case map[string]any:
		for k := range v {
			if compareFactValue(k, operator, value) {
				return true
			}
		}
		return false
	default:
		return compareFactValue(fmt.Sprint(v), operator, value)
	}
}

func compareFactValue(fact, operator, value string) bool {
	switch operator {
	case "=~":
		return MatchRegex(value, fact)
	case "==":
		return fact == value
	case "<=", ">=", "<", ">", "!=":
	default:
		return false
	}

	if integerValue.MatchString(value) && integerValue.MatchString(fact) {
		f, _ := strconv.ParseInt(fact, 10, 64)
		v, _ := strconv.ParseInt(value, 10, 64)
		return orderedCompare(float64(f), float64(v), operator)
	}
	if floatValue.MatchString(value) && floatValue.MatchString(fact) {
		f, _ := strconv.ParseFloat(fact, 64)
		v, _ := strconv.ParseFloat(value, 64)
		return orderedCompare(f, v, operator)
	}

	switch operator {
	case "!=":
		return fact != value
	case "<":
		return fact < value
	case ">":
		return fact > value
	case "<=":
		return fact <= value
	case ">=":
		return fact >= value
	}
	return false
}

func orderedCompare(l, r float64, operator string) bool {
	switch operator {
	case "==":
		return l == r
	case "!=":
		return l != r
	case "<":
		return l < r
	case ">":
		return l > r
	case "<=":
		return l <= r
	case ">=":
		return l >= r
	}
	return false
}

// ParseLiteral converts a comparand into int64, float64, bool or string.
// Integers may be written in decimal, hex (0xa), octal or binary notation
// and floats in exponent notation (0.5e2).
func ParseLiteral(s string) any {
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
