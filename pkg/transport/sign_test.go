package transport

import "testing"

func TestBlakeKeyedSignerRoundTrip(t *testing.T) {
	s := NewBlakeKeyedSigner([]byte("shared-secret"))
	payload := []byte(`{"type":"test"}`)

	mac, err := s.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !s.Verify(payload, mac) {
		t.Fatalf("Verify should accept a freshly signed MAC")
	}
}

func TestBlakeKeyedSignerRejectsTamperedPayload(t *testing.T) {
	s := NewBlakeKeyedSigner([]byte("shared-secret"))
	mac, _ := s.Sign([]byte(`{"type":"test"}`))

	if s.Verify([]byte(`{"type":"tampered"}`), mac) {
		t.Fatalf("Verify should reject a payload that doesn't match the MAC")
	}
}

func TestBlakeKeyedSignerRejectsWrongKey(t *testing.T) {
	payload := []byte(`{"type":"test"}`)
	mac, _ := NewBlakeKeyedSigner([]byte("key-a")).Sign(payload)

	if NewBlakeKeyedSigner([]byte("key-b")).Verify(payload, mac) {
		t.Fatalf("Verify should reject a MAC produced with a different key")
	}
}
