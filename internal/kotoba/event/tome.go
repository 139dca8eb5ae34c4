package event

import (
	"regexp"
	"strings"
)

// CheckAtMe sets ev.ToMe for private chats, or when the message starts or ends
// with a mention of ev.SelfID. The mention is removed from the message. A
// message left empty becomes a single empty text segment.
func CheckAtMe(ev *Event) {
	if ev.ChatType == ChatPrivate {
		ev.ToMe = true
		ensureNotEmpty(ev)
		return
	}

	isAtMe := func(seg Segment) bool {
		return seg.Type == SegmentAt && seg.Data["user_id"] == ev.SelfID
	}

	ev.ToMe = false
	ensureNotEmpty(ev)

	if isAtMe(ev.Message[0]) {
		ev.ToMe = true
		ev.Message = ev.Message[1:]
	}

	if !ev.ToMe && len(ev.Message) > 0 {
		i := len(ev.Message) - 1
		last := ev.Message[i]
		if last.IsText() && strings.TrimSpace(last.Data["text"]) == "" && len(ev.Message) >= 2 {
			i--
			last = ev.Message[i]
		}
		if isAtMe(last) {
			ev.ToMe = true
			ev.Message = ev.Message[:i]
		}
	}

	ensureNotEmpty(ev)
}

// CheckNickname sets ev.ToMe when the first text segment starts with one of
// the nicknames (case-insensitive), followed by whitespace, a comma or the
// end of the text. The nickname and separator are stripped.
func CheckNickname(ev *Event, nicknames []string) {
	re := nicknamePattern(nicknames)
	if re == nil || len(ev.Message) == 0 || !ev.Message[0].IsText() {
		return
	}
	text := ev.Message[0].Data["text"]
	loc := re.FindStringIndex(text)
	if loc == nil {
		return
	}
	ev.ToMe = true
	first := Text(text[loc[1]:])
	msg := ev.Message.Clone()
	msg[0] = first
	ev.Message = msg
}

// nicknamePattern compiles the leading-nickname regexp, or returns nil when
// no usable nickname is configured.
func nicknamePattern(nicknames []string) *regexp.Regexp {
	quoted := make([]string, 0, len(nicknames))
	for _, n := range nicknames {
		if n = strings.TrimSpace(n); n != "" {
			quoted = append(quoted, regexp.QuoteMeta(n))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)^(` + strings.Join(quoted, "|") + `)([\s,，]*|$)`)
}

func ensureNotEmpty(ev *Event) {
	if len(ev.Message) == 0 {
		ev.Message = Message{Text("")}
	}
}
