package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFuncTransportRecordsRequests(t *testing.T) {
	ft := NewFuncTransport([]byte(`{"ok":true}`))
	resp, err := ft.Exchange(context.Background(), []byte("hello"), map[string]string{"X-Computer-ID": "abc"})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("resp = %q", resp)
	}
	if len(ft.Requests) != 1 || string(ft.Requests[0]) != "hello" {
		t.Fatalf("Requests = %v", ft.Requests)
	}
	if ft.Headers["X-Computer-ID"] != "abc" {
		t.Fatalf("Headers = %v", ft.Headers)
	}
}

func TestFuncTransportCustomResponder(t *testing.T) {
	wantErr := errors.New("boom")
	ft := &FuncTransport{Responder: func(p []byte, _ map[string]string) ([]byte, error) {
		return nil, wantErr
	}}
	_, err := ft.Exchange(context.Background(), []byte("x"), nil)
	if err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestNewHTTPTransportRequiresServerURL(t *testing.T) {
	if _, err := NewHTTPTransport(Config{}); err != ErrServerURLRequired {
		t.Fatalf("err = %v, want ErrServerURLRequired", err)
	}
}

func TestExchangeSignsRequestAndVerifiesResponse(t *testing.T) {
	signer := NewBlakeKeyedSigner([]byte("shared-secret"))
	response := []byte(`{"next-expected-sequence":1}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		mac, err := base64.StdEncoding.DecodeString(r.Header.Get(SignatureHeader))
		if err != nil || !signer.Verify(body, mac) {
			t.Errorf("request signature does not match body")
		}
		respMAC, _ := signer.Sign(response)
		w.Header().Set(SignatureHeader, base64.StdEncoding.EncodeToString(respMAC))
		w.Write(response)
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(Config{
		ServerURL:  srv.URL,
		Signer:     signer,
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}

	got, err := tr.Exchange(context.Background(), []byte(`{"messages":[]}`), nil)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if string(got) != string(response) {
		t.Fatalf("resp = %q, want %q", got, response)
	}
}

func TestExchangeRejectsBadResponseSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(SignatureHeader, base64.StdEncoding.EncodeToString([]byte("not the right mac")))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr, err := NewHTTPTransport(Config{
		ServerURL:  srv.URL,
		Signer:     NewBlakeKeyedSigner([]byte("shared-secret")),
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}

	if _, err := tr.Exchange(context.Background(), []byte(`{}`), nil); err != ErrBadSignature {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestFuncFetcherRecordsURLs(t *testing.T) {
	ff := NewFuncFetcher([]byte(`{"messages":true}`))
	resp, err := ff.Fetch(context.Background(), "https://example.com/ping?insecure_id=x")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(resp) != `{"messages":true}` {
		t.Fatalf("resp = %q", resp)
	}
	if len(ff.URLs) != 1 {
		t.Fatalf("URLs = %v", ff.URLs)
	}
}
