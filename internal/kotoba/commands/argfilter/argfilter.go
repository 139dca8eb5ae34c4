// Package argfilter provides the filters a command session runs over a
// user's reply before storing it as an argument.
//
// Filters are applied in order, each receiving the previous one's output.
// There are five families: extractors pull a part out of the raw message,
// converters change its type or shape, validators reject bad input with a
// *ValidateError, controllers end the session with a *CancelError, and plain
// transforms such as Strip tidy the value.
package argfilter

import (
	"context"
	"fmt"
)

// Filter transforms or checks one argument value.
type Filter func(ctx context.Context, v any) (any, error)

// ValidateError rejects the value. The session prompts again with Message, or
// with the default validation-failure expression when Message is empty.
type ValidateError struct {
	Message string
}

func (e *ValidateError) Error() string {
	if e.Message == "" {
		return "argfilter: validation failed"
	}
	return "argfilter: " + e.Message
}

// CancelError ends the session. Message, when set, is sent to the user.
type CancelError struct {
	Message string
}

func (e *CancelError) Error() string { return "argfilter: cancelled" }

// Apply runs filters over v in order and returns the final value. It stops at
// the first error.
func Apply(ctx context.Context, v any, filters ...Filter) (any, error) {
	for _, f := range filters {
		var err error
		if v, err = f(ctx, v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// String adapts a string-to-string function (such as strings.TrimSpace) into
// a Filter.
func String(fn func(string) string) Filter {
	return func(_ context.Context, v any) (any, error) {
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		return fn(s), nil
	}
}

func asString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("argfilter: expected a string, got %T", v)
	}
}
