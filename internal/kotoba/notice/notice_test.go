package notice_test

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"

	"github.com/bdobrica/kotoba/internal/kotoba/commands"
	"github.com/bdobrica/kotoba/internal/kotoba/event"
	"github.com/bdobrica/kotoba/internal/kotoba/notice"
)

func TestPrefixes(t *testing.T) {
	got := notice.Prefixes("notice.member_increase.invite")
	want := []string{"notice.member_increase.invite", "notice.member_increase", "notice"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBus_PrefixFanOut(t *testing.T) {
	b := notice.NewBus()
	var mu sync.Mutex
	var seen []string
	record := func(tag string) notice.HandlerFunc {
		return func(ctx context.Context, s *notice.Session) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, tag)
			return nil
		}
	}

	all := notice.OnNotice(record("all"))
	inc := notice.OnNotice(record("increase"), "member_increase")
	dec := notice.OnNotice(record("decrease"), "member_decrease")
	req := notice.OnRequest(record("request"))
	for _, h := range []*notice.Handler{all, inc, dec, req} {
		if err := b.Register(h); err != nil {
			t.Fatal(err)
		}
	}

	ev := &event.Event{Kind: event.KindNotice, Detail: "member_increase", SubType: "invite"}
	if err := b.Emit(context.Background(), ev.Name(), notice.NewSession(ev, nil, nil)); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	sort.Strings(seen)
	if want := []string{"all", "increase"}; !reflect.DeepEqual(seen, want) {
		t.Errorf("handlers run: got %v, want %v", seen, want)
	}

	b.SetEnabled(inc, commands.Off)
	if subs := b.Subscribers(ev.Name()); len(subs) != 1 || subs[0] != all {
		t.Errorf("after disabling: got %d subscribers", len(subs))
	}
}

func TestBus_ErrorsAreJoined(t *testing.T) {
	b := notice.NewBus()
	boom := errors.New("boom")
	b.Register(notice.OnNotice(func(ctx context.Context, s *notice.Session) error { return boom }))
	b.Register(notice.OnNotice(func(ctx context.Context, s *notice.Session) error { panic("x") }))

	err := b.Emit(context.Background(), "notice.anything", notice.NewSession(&event.Event{Kind: event.KindNotice}, nil, nil))
	if !errors.Is(err, boom) {
		t.Errorf("expected boom in %v", err)
	}
}

type fakeResponder struct {
	approved, rejected string
}

func (f *fakeResponder) Approve(_ context.Context, _ *event.Event, remark string) error {
	f.approved = remark
	return nil
}

func (f *fakeResponder) Reject(_ context.Context, _ *event.Event, reason string) error {
	f.rejected = reason
	return nil
}

func TestSession_ApproveReject(t *testing.T) {
	resp := &fakeResponder{}
	req := notice.NewSession(&event.Event{Kind: event.KindRequest, Detail: "invite"}, nil, resp)
	if err := req.Approve(context.Background(), "welcome"); err != nil {
		t.Fatal(err)
	}
	if resp.approved != "welcome" {
		t.Errorf("approved: got %q", resp.approved)
	}
	if err := req.Reject(context.Background(), "no"); err != nil || resp.rejected != "no" {
		t.Errorf("reject: %v %q", err, resp.rejected)
	}

	n := notice.NewSession(&event.Event{Kind: event.KindNotice}, nil, resp)
	if err := n.Approve(context.Background(), ""); !errors.Is(err, notice.ErrNotRequest) {
		t.Errorf("approve on notice: got %v", err)
	}
}
