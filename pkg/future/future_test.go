package future

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResolveWinsOnce(t *testing.T) {
	f := New()
	f.Resolve("first")
	f.Reject(errors.New("too late"))

	v, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v != "first" {
		t.Fatalf("v = %v, want first", v)
	}
}

func TestRejectPropagates(t *testing.T) {
	want := errors.New("boom")
	f := Rejected(want)
	if _, err := f.Wait(context.Background()); err != want {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	f := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestDoneClosesOnSettle(t *testing.T) {
	f := New()
	select {
	case <-f.Done():
		t.Fatalf("Done closed before settle")
	default:
	}

	f.Resolve(nil)
	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatalf("Done never closed")
	}
}
