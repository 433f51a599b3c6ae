package identity

import (
	"testing"

	"github.com/imkiwa/landscape-client/pkg/persist"
)

func newTestIdentity(t *testing.T) *Identity {
	t.Helper()
	p := persist.New(persist.Config{})
	return New(p, Config{ComputerTitle: "host-a", AccountName: "acct"})
}

func TestUnregisteredByDefault(t *testing.T) {
	id := newTestIdentity(t)
	if id.IsRegistered() {
		t.Fatalf("fresh identity should not be registered")
	}
	if !id.CanAttemptRegistration() {
		t.Fatalf("should be able to attempt registration with title+account set")
	}
}

func TestSetIDsRegisters(t *testing.T) {
	id := newTestIdentity(t)
	if err := id.SetIDs("secure-abc", "insecure-def"); err != nil {
		t.Fatalf("SetIDs: %v", err)
	}
	if !id.IsRegistered() {
		t.Fatalf("expected registered after SetIDs")
	}
	if id.CanAttemptRegistration() {
		t.Fatalf("should not attempt registration once registered")
	}
	sid, _ := id.SecureID()
	if sid != "secure-abc" {
		t.Fatalf("SecureID = %q, want secure-abc", sid)
	}
}

func TestClearSecureIDResets(t *testing.T) {
	id := newTestIdentity(t)
	id.SetIDs("secure-abc", "insecure-def")
	if err := id.ClearSecureID(); err != nil {
		t.Fatalf("ClearSecureID: %v", err)
	}
	if id.IsRegistered() {
		t.Fatalf("expected unregistered after ClearSecureID")
	}
	if !id.CanAttemptRegistration() {
		t.Fatalf("should be able to re-attempt registration after unknown-id")
	}
	// insecure id survives clearing the secure id.
	iid, ok := id.InsecureID()
	if !ok || iid != "insecure-def" {
		t.Fatalf("InsecureID = %q, %v; want insecure-def, true", iid, ok)
	}
}
