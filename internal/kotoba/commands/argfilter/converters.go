package argfilter

import (
	"context"
	"strconv"
	"strings"
)

var (
	truthy = map[string]bool{
		"要": true, "用": true, "是": true, "好": true, "对": true, "嗯": true, "行": true,
		"ok": true, "okay": true, "yeah": true, "yep": true, "yes": true, "y": true, "sure": true,
		"当真": true, "当然": true, "必须": true, "可以": true, "肯定": true, "没错": true,
		"确定": true, "确认": true,
	}
	falsy = map[string]bool{
		"不": true, "不要": true, "不用": true, "不是": true, "否": true, "不好": true,
		"不对": true, "不行": true, "别": true, "no": true, "nono": true, "nonono": true,
		"nope": true, "n": true, "不ok": true, "不可以": true, "不能": true,
	}
)

// ParseBool maps a short affirmative or negative reply to a bool. ok is false
// when the reply is neither.
func ParseBool(text string) (value, ok bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.ReplaceAll(t, " ", "")
	t = strings.TrimRight(t, ",.!?~，。！？～了的呢吧呀啊呗啦")
	switch {
	case truthy[t]:
		return true, true
	case falsy[t]:
		return false, true
	}
	return false, false
}

// SimpleChineseToBool converts a string value with ParseBool. The result is
// a bool, or nil when the reply is not recognised; chain NotEmpty after it to
// insist on an answer.
func SimpleChineseToBool(_ context.Context, v any) (any, error) {
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	if b, ok := ParseBool(s); ok {
		return b, nil
	}
	return nil, nil
}

func splitLines(s string, strip bool) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strip {
			line = strings.TrimSpace(line)
		}
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// SplitNonemptyLines splits a string value into its non-empty lines.
func SplitNonemptyLines(_ context.Context, v any) (any, error) {
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	return splitLines(s, false), nil
}

// SplitNonemptyStrippedLines splits a string value into lines, trims each one
// and drops the empty ones.
func SplitNonemptyStrippedLines(_ context.Context, v any) (any, error) {
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	return splitLines(s, true), nil
}

// Int parses the trimmed string value as a base-10 integer, failing
// validation with message otherwise.
func Int(message string) Filter {
	return func(_ context.Context, v any) (any, error) {
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, fail(message)
		}
		return n, nil
	}
}

// Strip trims surrounding whitespace from a string value.
var Strip = String(strings.TrimSpace)
