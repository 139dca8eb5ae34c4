package argfilter

import (
	"cmp"
	"context"
	"reflect"
	"regexp"
)

func fail(message string) error { return &ValidateError{Message: message} }

func length(v any) (int, bool) {
	if v == nil {
		return 0, true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array, reflect.Chan:
		return rv.Len(), true
	}
	return 0, false
}

// NotEmpty rejects nil and zero-length values.
func NotEmpty(message string) Filter {
	return func(_ context.Context, v any) (any, error) {
		if v == nil {
			return nil, fail(message)
		}
		if n, ok := length(v); ok && n == 0 {
			return nil, fail(message)
		}
		return v, nil
	}
}

// FitSize requires min <= len(v) <= max. A negative max means no upper bound.
func FitSize(min, max int, message string) Filter {
	return func(_ context.Context, v any) (any, error) {
		n, _ := length(v)
		if n < min || (max >= 0 && n > max) {
			return nil, fail(message)
		}
		return v, nil
	}
}

// MatchRegex requires the string value to match pattern at its start, or in
// full when fullmatch is set. It panics if pattern does not compile.
func MatchRegex(pattern string, fullmatch bool, message string) Filter {
	expr := "^(?:" + pattern + ")"
	if fullmatch {
		expr += "$"
	}
	re := regexp.MustCompile(expr)
	return func(_ context.Context, v any) (any, error) {
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		if !re.MatchString(s) {
			return nil, fail(message)
		}
		return v, nil
	}
}

// EnsureTrue requires pred(v) to hold.
func EnsureTrue(pred func(any) bool, message string) Filter {
	return func(_ context.Context, v any) (any, error) {
		if !pred(v) {
			return nil, fail(message)
		}
		return v, nil
	}
}

// BetweenInclusive requires lo <= v <= hi. A nil bound is open.
func BetweenInclusive[T cmp.Ordered](lo, hi *T, message string) Filter {
	return func(_ context.Context, v any) (any, error) {
		x, ok := v.(T)
		if !ok {
			return nil, fail(message)
		}
		if lo != nil && x < *lo {
			return nil, fail(message)
		}
		if hi != nil && *hi < x {
			return nil, fail(message)
		}
		return v, nil
	}
}
