package permission

import (
	"fmt"
	"time"
)

// AllowList passes when the sender is one of userIDs or the event comes from
// one of groupIDs. With reverse set it becomes a deny list.
func AllowList(userIDs, groupIDs []string, reverse bool) Func {
	return func(s *SenderRoles) bool {
		in := s.SentBy(userIDs...) || s.FromGroup(groupIDs...)
		return in != reverse
	}
}

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour, Minute, Second int
}

// ParseTimeOfDay parses "15:04" or "15:04:05".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return TimeOfDay{}, fmt.Errorf("permission: invalid time of day %q", s)
}

func (t TimeOfDay) seconds() int { return t.Hour*3600 + t.Minute*60 + t.Second }

// TimeRange passes while the current time of day lies in [begin, end]. A range
// whose end is before its begin wraps around midnight. loc defaults to
// time.Local and now to time.Now.
func TimeRange(begin, end TimeOfDay, reverse bool, loc *time.Location, now func() time.Time) Func {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	b, e := begin.seconds(), end.seconds()
	return func(*SenderRoles) bool {
		t := now().In(loc)
		cur := TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}.seconds()
		var in bool
		if b < e {
			in = cur >= b && cur <= e
		} else {
			in = cur >= b || cur <= e
		}
		return in != reverse
	}
}
