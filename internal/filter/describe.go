package filter

import (
	"fmt"
	"regexp"
	"strings"
)

var describeOperator = regexp.MustCompile(`(<=|>=|!=|=~|==|=|<|>)`)

// Describe renders the filter as human readable check instructions.
func (f *Filter) Describe() string {
	var b strings.Builder

	if len(f.Fact) > 0 {
		b.WriteString("-F filter expands to the following fact comparisons:\n\n")
		for _, fact := range f.Fact {
			fmt.Fprintf(&b, "  %s\n", factString(fact.Fact, fact.Value, fact.Operator))
		}
		b.WriteString("\n")
	}

	if len(f.Class) > 0 {
		b.WriteString("-C filter expands to the following class checks:\n\n")
		for _, class := range f.Class {
			fmt.Fprintf(&b, "  %s\n", classString(class))
		}
		b.WriteString("\n")
	}

	for _, c := range f.Compound {
		b.WriteString("-S Query expands to the following instructions:\n\n")
		describeCallstack(&b, c.Callstack)
		b.WriteString("\n")
	}

	return b.String()
}

func describeCallstack(b *strings.Builder, cs Callstack) {
	depth := 1
	indent := func() string { return strings.Repeat("  ", depth) }

	for _, tok := range cs {
		switch tok.Kind {
		case TokenStatement:
			if loc := describeOperator.FindStringIndex(tok.Value); loc != nil && !strings.HasPrefix(tok.Value, "/") {
				op := tok.Value[loc[0]:loc[1]]
				fmt.Fprintf(b, "%s%s\n", indent(), factString(tok.Value[:loc[0]], tok.Value[loc[1]:], op))
			} else {
				fmt.Fprintf(b, "%s%s\n", indent(), classString(tok.Value))
			}
		case TokenFStatement:
			fn := tok.Function
			line := fmt.Sprintf("%sExecute the Data Query '%s'", indent(), fn.Name)
			if fn.HasParams {
				line += fmt.Sprintf(" with parameters (%s)", fn.Params)
			}
			line += ". "
			if fn.Operator != "" {
				compare := fn.Compare
				if fn.Regex {
					compare = "/" + compare + "/"
				}
				line += fmt.Sprintf("Check if the query's '%s' value %s '%s'", fn.Value, fn.Operator, compare)
			}
			fmt.Fprintln(b, strings.TrimRight(line, " "))
		case TokenLParen:
			fmt.Fprintf(b, "%s(\n", indent())
			depth++
		case TokenRParen:
			depth--
			fmt.Fprintf(b, "%s)\n", indent())
		default:
			fmt.Fprintf(b, "%s%s\n", indent(), strings.ToUpper(string(tok.Kind)))
		}
	}
}

func factString(fact, value, op string) string {
	return fmt.Sprintf("Check if fact '%s' %s '%s'", fact, op, value)
}

func classString(class string) string {
	return fmt.Sprintf("Check if class '%s' is present on the host", class)
}
