package event

import (
	"regexp"
	"sort"
	"strings"
)

// Segment types understood by the core.
const (
	SegmentText  = "text"
	SegmentAt    = "at"
	SegmentImage = "image"
)

// Segment is one piece of a rich message.
type Segment struct {
	Type string
	Data map[string]string
}

// Text builds a text segment.
func Text(s string) Segment {
	return Segment{Type: SegmentText, Data: map[string]string{"text": s}}
}

// At builds a mention of userID.
func At(userID string) Segment {
	return Segment{Type: SegmentAt, Data: map[string]string{"user_id": userID}}
}

// Image builds an image segment pointing at url.
func Image(url string) Segment {
	return Segment{Type: SegmentImage, Data: map[string]string{"url": url}}
}

// IsText reports whether the segment is a text segment.
func (s Segment) IsText() bool { return s.Type == SegmentText }

// String renders the segment. Text is returned verbatim; other segments are
// rendered as [type:key=value,...] with keys in sorted order.
func (s Segment) String() string {
	if s.IsText() {
		return s.Data["text"]
	}
	keys := make([]string, 0, len(s.Data))
	for k := range s.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(s.Type)
	for i, k := range keys {
		if i == 0 {
			b.WriteString(":")
		} else {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(s.Data[k])
	}
	b.WriteString("]")
	return b.String()
}

// Message is an ordered list of segments.
type Message []Segment

// TextMessage wraps s into a single text segment message.
func TextMessage(s string) Message {
	return Message{Text(s)}
}

// String renders every segment in order.
func (m Message) String() string {
	var b strings.Builder
	for _, seg := range m {
		b.WriteString(seg.String())
	}
	return b.String()
}

// ExtractPlainText joins the text segments with a single space.
func (m Message) ExtractPlainText() string {
	parts := make([]string, 0, len(m))
	for _, seg := range m {
		if seg.IsText() {
			parts = append(parts, seg.Data["text"])
		}
	}
	return strings.Join(parts, " ")
}

// ImageURLs returns the url of every image segment.
func (m Message) ImageURLs() []string {
	var urls []string
	for _, seg := range m {
		if seg.Type == SegmentImage && seg.Data["url"] != "" {
			urls = append(urls, seg.Data["url"])
		}
	}
	return urls
}

// IsEmpty reports whether the message renders to nothing.
func (m Message) IsEmpty() bool {
	return m.String() == ""
}

// Clone deep-copies the message.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	out := make(Message, len(m))
	for i, seg := range m {
		data := make(map[string]string, len(seg.Data))
		for k, v := range seg.Data {
			data[k] = v
		}
		out[i] = Segment{Type: seg.Type, Data: data}
	}
	return out
}

var codePattern = regexp.MustCompile(`\[([a-z_]+)(?::([^\]]*))?\]`)

// ParseMessage is the inverse of Message.String: bracketed codes become
// segments of their type and everything between them becomes text.
func ParseMessage(s string) Message {
	var m Message
	last := 0
	for _, loc := range codePattern.FindAllStringSubmatchIndex(s, -1) {
		if loc[0] > last {
			m = append(m, Text(s[last:loc[0]]))
		}
		seg := Segment{Type: s[loc[2]:loc[3]], Data: map[string]string{}}
		if loc[4] >= 0 {
			for _, kv := range strings.Split(s[loc[4]:loc[5]], ",") {
				k, v, _ := strings.Cut(kv, "=")
				if k != "" {
					seg.Data[k] = v
				}
			}
		}
		m = append(m, seg)
		last = loc[1]
	}
	if last < len(s) {
		m = append(m, Text(s[last:]))
	}
	return m
}
