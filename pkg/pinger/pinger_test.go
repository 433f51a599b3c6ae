package pinger

import (
	"context"
	"errors"
	"testing"

	"github.com/imkiwa/landscape-client/pkg/identity"
	"github.com/imkiwa/landscape-client/pkg/persist"
	"github.com/imkiwa/landscape-client/pkg/reactor"
	"github.com/imkiwa/landscape-client/pkg/transport"
)

var errFetch = errors.New("fetch failed")

type fakeScheduler struct {
	urgentCalls int
}

func (f *fakeScheduler) ScheduleExchange(urgent bool) {
	if urgent {
		f.urgentCalls++
	}
}

func newTestPinger(t *testing.T, response []byte) (*Pinger, *identity.Identity, *fakeScheduler, *transport.FuncFetcher) {
	t.Helper()
	ps := persist.New(persist.Config{})
	id := identity.New(ps, identity.Config{})
	sched := &fakeScheduler{}
	ff := transport.NewFuncFetcher(response)

	p, err := New(Config{
		Fetcher:  ff,
		Identity: id,
		Reactor:  reactor.New(),
		Exchange: sched,
		PingURL:  "https://example.com/ping",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, id, sched, ff
}

func TestTickSkipsWithoutInsecureID(t *testing.T) {
	p, _, _, ff := newTestPinger(t, []byte(`{"messages":true}`))
	p.Tick(context.Background())
	if len(ff.URLs) != 0 {
		t.Fatalf("expected no fetch before an insecure-id is known")
	}
}

func TestTickSchedulesUrgentWhenMessagesPending(t *testing.T) {
	p, id, sched, ff := newTestPinger(t, []byte(`{"messages":true}`))
	id.SetIDs("secure-1", "insecure-1")

	p.Tick(context.Background())

	if len(ff.URLs) != 1 {
		t.Fatalf("expected exactly one fetch, got %d", len(ff.URLs))
	}
	if sched.urgentCalls != 1 {
		t.Fatalf("expected an urgent reschedule, got %d calls", sched.urgentCalls)
	}
}

func TestTickIgnoresMessagesWhenUnregistered(t *testing.T) {
	p, id, sched, _ := newTestPinger(t, []byte(`{"messages":true}`))
	id.SetIDs("", "insecure-1")

	p.Tick(context.Background())

	if sched.urgentCalls != 0 {
		t.Fatalf("expected no urgent reschedule for an unregistered host")
	}
}

func TestTickNoMessagesDoesNotReschedule(t *testing.T) {
	p, id, sched, _ := newTestPinger(t, []byte(`{"messages":false}`))
	id.SetIDs("secure-1", "insecure-1")

	p.Tick(context.Background())

	if sched.urgentCalls != 0 {
		t.Fatalf("expected no urgent reschedule when the server has nothing pending")
	}
}

func TestTickFetchFailureIsSilent(t *testing.T) {
	p, id, sched, ff := newTestPinger(t, nil)
	id.SetIDs("secure-1", "insecure-1")
	ff.Responder = func(string) ([]byte, error) { return nil, errFetch }

	p.Tick(context.Background())

	if sched.urgentCalls != 0 {
		t.Fatalf("a failed ping must not schedule anything")
	}
}
