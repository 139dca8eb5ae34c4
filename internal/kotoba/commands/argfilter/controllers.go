package argfilter

import (
	"context"
	"regexp"
	"strings"

	"github.com/bdobrica/kotoba/internal/kotoba/expression"
)

var (
	cancelKeywords = []string{"算", "别", "不", "停", "取消"}
	cancelPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^那?[算别不停][\p{L}\p{N}_]{0,3}了?吧?$`),
		regexp.MustCompile(`^那?(?:[给帮]我)?取消了?吧?$`),
	}
	cancelPhrases = map[string]bool{
		"cancel": true, "stop": true, "abort": true, "quit": true,
		"never mind": true, "nevermind": true, "forget it": true,
	}
)

// IsCancellation reports whether sentence is a short request to drop the
// current command ("cancel", "算了", "不用了吧").
func IsCancellation(sentence string) bool {
	lower := strings.ToLower(strings.TrimSpace(sentence))
	if cancelPhrases[strings.TrimRight(lower, ".!")] {
		return true
	}
	hit := false
	for _, kw := range cancelKeywords {
		if strings.Contains(sentence, kw) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	for _, re := range cancelPatterns {
		if re.MatchString(sentence) {
			return true
		}
	}
	return false
}

// HandleCancellation ends the session with the rendered expr when the value
// is a cancellation phrase, and passes it through otherwise.
func HandleCancellation(expr expression.Expression) Filter {
	return func(_ context.Context, v any) (any, error) {
		if s, ok := v.(string); ok && IsCancellation(s) {
			return nil, &CancelError{Message: expression.Render(expr)}
		}
		return v, nil
	}
}
