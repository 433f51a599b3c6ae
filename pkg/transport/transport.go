package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pion/logging"
)

// Exchanger is the narrow interface the message-exchange layer depends
// on: hand it a packaged request body plus any headers (X-Computer-ID,
// User-Agent, Content-Type), get back the server's response body (or an
// error after retries are exhausted). Everything above this layer is
// unaware of HTTP, TLS pinning, or retry policy.
type Exchanger interface {
	Exchange(ctx context.Context, payload []byte, headers map[string]string) ([]byte, error)
}

// Fetcher is the narrow interface the Pinger depends on: a single GET
// returning the response body. Unlike Exchanger it is not wrapped in a
// retry policy; a failed fetch is simply reported to the caller. The
// registration handler's probes do not go through a Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// BackoffConfig tunes the retry policy wrapping each Exchange call.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
}

// DefaultBackoffConfig gives quick recovery from transient drops with a
// bounded total retry time, so a dead server doesn't wedge an exchange
// round forever.
var DefaultBackoffConfig = BackoffConfig{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
	MaxElapsedTime:  2 * time.Minute,
	Multiplier:      2.0,
}

// Config configures an HTTPTransport.
type Config struct {
	// ServerURL is the full exchange endpoint, e.g.
	// "https://landscape.example.com/message-system".
	ServerURL string
	// ContentType is sent as the request's Content-Type and Accept
	// headers; it should match the wireformat.Codec used to build payload.
	ContentType string
	// PinnedPublicKeyPEM, if set, is compared against the server's leaf
	// certificate public key on every connection. A mismatch fails the
	// handshake before any payload is sent.
	PinnedPublicKeyPEM []byte
	// Signer, if set, MACs each outbound payload into the
	// X-Message-Signature request header, and verifies the same header on
	// responses that carry it. A response whose signature does not match
	// its body fails the round without retry.
	Signer Signer
	// HTTPClient overrides the transport's HTTP client. Mainly for tests;
	// production callers should leave this nil and let NewHTTPTransport
	// build one with the pinning transport installed.
	HTTPClient *http.Client
	// Backoff tunes the retry policy. Zero value uses DefaultBackoffConfig.
	Backoff BackoffConfig
	// LoggerFactory builds the "transport"-scoped logger. Optional.
	LoggerFactory logging.LoggerFactory
}

// HTTPTransport implements Exchanger over HTTPS, with optional public-key
// pinning and exponential backoff retry.
type HTTPTransport struct {
	cfg    Config
	client *http.Client
	log    logging.LeveledLogger
}

// NewHTTPTransport builds an HTTPTransport from cfg.
func NewHTTPTransport(cfg Config) (*HTTPTransport, error) {
	if cfg.ServerURL == "" {
		return nil, ErrServerURLRequired
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoffConfig
	}

	var log logging.LeveledLogger
	if cfg.LoggerFactory != nil {
		log = cfg.LoggerFactory.NewLogger("transport")
	} else {
		log = logging.NewDefaultLoggerFactory().NewLogger("transport")
	}

	client := cfg.HTTPClient
	if client == nil {
		tlsCfg := &tls.Config{}
		if len(cfg.PinnedPublicKeyPEM) > 0 {
			pinned, err := publicKeyDigest(cfg.PinnedPublicKeyPEM)
			if err != nil {
				return nil, err
			}
			tlsCfg.InsecureSkipVerify = true // we verify the pin ourselves below
			tlsCfg.VerifyPeerCertificate = pinnedCertVerifier(pinned)
		}
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: tlsCfg,
			},
			Timeout: 30 * time.Second,
		}
	}

	return &HTTPTransport{cfg: cfg, client: client, log: log}, nil
}

func publicKeyDigest(pemBytes []byte) ([32]byte, error) {
	block, _ := pem.Decode(pemBytes)
	var raw []byte
	if block != nil {
		raw = block.Bytes
	} else {
		raw = pemBytes
	}
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return sha256.Sum256(raw), nil
	}
	return sha256.Sum256(cert.RawSubjectPublicKeyInfo), nil
}

func pinnedCertVerifier(pinned [32]byte) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrPinnedKeyMismatch
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return ErrPinnedKeyMismatch
		}
		if sha256.Sum256(cert.RawSubjectPublicKeyInfo) == pinned {
			return nil
		}
		return ErrPinnedKeyMismatch
	}
}

// Exchange POSTs payload to the server and returns its response body,
// retrying transient failures (network errors, 5xx responses) under the
// configured backoff policy. A non-retryable 4xx response is returned
// immediately as ErrUnexpectedStatus. headers is applied on top of
// Content-Type/Accept, e.g. the exchange layer's X-Computer-ID and
// User-Agent.
func (t *HTTPTransport) Exchange(ctx context.Context, payload []byte, headers map[string]string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.Backoff.InitialInterval
	b.MaxInterval = t.cfg.Backoff.MaxInterval
	b.MaxElapsedTime = t.cfg.Backoff.MaxElapsedTime
	b.Multiplier = t.cfg.Backoff.Multiplier
	bctx := backoff.WithContext(b, ctx)

	var respBody []byte
	op := func() error {
		body, retryable, err := t.doOnce(ctx, payload, headers)
		if err != nil {
			if !retryable {
				return backoff.Permanent(err)
			}
			return err
		}
		respBody = body
		return nil
	}

	if err := backoff.Retry(op, bctx); err != nil {
		t.log.Warnf("exchange to %s failed: %v", t.cfg.ServerURL, err)
		return nil, err
	}
	return respBody, nil
}

func (t *HTTPTransport) doOnce(ctx context.Context, payload []byte, headers map[string]string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.ServerURL, bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	if t.cfg.ContentType != "" {
		req.Header.Set("Content-Type", t.cfg.ContentType)
		req.Header.Set("Accept", t.cfg.ContentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if t.cfg.Signer != nil {
		mac, serr := t.cfg.Signer.Sign(payload)
		if serr != nil {
			return nil, false, serr
		}
		req.Header.Set(SignatureHeader, base64.StdEncoding.EncodeToString(mac))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := t.verifyResponse(resp, respBody); err != nil {
			return nil, false, err
		}
		return respBody, false, nil
	case resp.StatusCode >= 500:
		return nil, true, ErrUnexpectedStatus
	default:
		return nil, false, ErrUnexpectedStatus
	}
}

// verifyResponse checks the response body against its X-Message-Signature
// header. Responses without the header pass through, so a server that has
// not issued a shared secret yet can still answer.
func (t *HTTPTransport) verifyResponse(resp *http.Response, body []byte) error {
	if t.cfg.Signer == nil {
		return nil
	}
	sig := resp.Header.Get(SignatureHeader)
	if sig == "" {
		return nil
	}
	mac, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	if !t.cfg.Signer.Verify(body, mac) {
		return ErrBadSignature
	}
	return nil
}

// HTTPFetcher implements Fetcher with a plain GET, used by the Pinger.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds an HTTPFetcher. If client is nil, a default client
// with a short timeout is used.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

// Fetch performs a GET against url and returns the response body. A
// non-2xx status is reported as ErrUnexpectedStatus.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ErrUnexpectedStatus
	}
	return body, nil
}
