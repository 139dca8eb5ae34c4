// Package expression renders the bot's canned replies. An Expression is either
// a fixed template, a random choice among templates, or a function.
package expression

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// Expression produces a reply text. Args are applied with fmt.Sprintf when
// present.
type Expression interface {
	Render(args ...any) string
}

// Text is a single template.
type Text string

// Render formats the template with args.
func (t Text) Render(args ...any) string {
	return format(string(t), args)
}

// OneOf picks one template at random on each render.
type OneOf []string

// Render formats a randomly chosen template. An empty OneOf renders "".
func (o OneOf) Render(args ...any) string {
	if len(o) == 0 {
		return ""
	}
	return format(o[rand.IntN(len(o))], args)
}

// Func computes the template from args, then formats it with the same args.
type Func func(args ...any) string

// Render calls f.
func (f Func) Render(args ...any) string {
	return format(f(args...), args)
}

// Render renders expr, returning "" for a nil expression.
func Render(expr Expression, args ...any) string {
	if expr == nil {
		return ""
	}
	return expr.Render(args...)
}

// FromStrings builds an expression from configuration values: nothing yields
// nil, one string yields Text, several yield OneOf.
func FromStrings(values []string) Expression {
	switch len(values) {
	case 0:
		return nil
	case 1:
		return Text(values[0])
	}
	return OneOf(values)
}

func format(tmpl string, args []any) string {
	if len(args) == 0 || !strings.Contains(tmpl, "%") {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}
