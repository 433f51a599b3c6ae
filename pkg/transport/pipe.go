package transport

import "context"

// FuncTransport is an in-memory Exchanger test double: rather than
// routing bytes through a real connection, it hands the request payload
// directly to a responder function and returns whatever that function
// produces, so exchange-layer tests never touch the network stack.
type FuncTransport struct {
	// Responder is invoked for every Exchange call. It may inspect or
	// record payload/headers and must return the bytes the caller should
	// treat as the server's response.
	Responder func(payload []byte, headers map[string]string) ([]byte, error)

	// Requests records every payload handed to Exchange, in order, for
	// test assertions.
	Requests [][]byte

	// Headers records the headers map passed to the most recent Exchange
	// call, for test assertions on X-Computer-ID/User-Agent.
	Headers map[string]string
}

// NewFuncTransport builds a FuncTransport that always answers with
// response, ignoring the request payload.
func NewFuncTransport(response []byte) *FuncTransport {
	return &FuncTransport{Responder: func([]byte, map[string]string) ([]byte, error) { return response, nil }}
}

// Exchange satisfies Exchanger.
func (f *FuncTransport) Exchange(_ context.Context, payload []byte, headers map[string]string) ([]byte, error) {
	f.Requests = append(f.Requests, payload)
	f.Headers = headers
	if f.Responder == nil {
		return nil, nil
	}
	return f.Responder(payload, headers)
}

// FuncFetcher is an in-memory Fetcher test double for the Pinger.
type FuncFetcher struct {
	// Responder is invoked for every Fetch call with the requested URL.
	Responder func(url string) ([]byte, error)

	// URLs records every URL handed to Fetch, in order, for test
	// assertions.
	URLs []string
}

// NewFuncFetcher builds a FuncFetcher that always answers with response.
func NewFuncFetcher(response []byte) *FuncFetcher {
	return &FuncFetcher{Responder: func(string) ([]byte, error) { return response, nil }}
}

// Fetch satisfies Fetcher.
func (f *FuncFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.URLs = append(f.URLs, url)
	if f.Responder == nil {
		return nil, nil
	}
	return f.Responder(url)
}
