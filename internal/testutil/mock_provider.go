// Package testutil provides testing utilities for the stockpile fetch path.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mock provider response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockProvider is a configurable aggregates provider for testing. Responses
// are keyed by identity; each identity may have a script of responses that
// is consumed in order, with the last entry repeating.
type MockProvider struct {
	server  *httptest.Server
	mu      sync.Mutex
	scripts map[string][]MockResponse
	calls   map[string]int
	times   []time.Time

	// LastRequestHeader is the header of the most recent request.
	LastRequestHeader http.Header
	// LastQuery is the query of the most recent request.
	LastQuery map[string][]string
}

// NewMockProvider creates a new mock provider server.
func NewMockProvider() *MockProvider {
	mock := &MockProvider{
		scripts: make(map[string][]MockResponse),
		calls:   make(map[string]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockProvider) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockProvider) Close() {
	m.server.Close()
}

// Script sets the ordered responses for an identity.
func (m *MockProvider) Script(identity string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[strings.ToUpper(identity)] = responses
}

// Calls returns how many requests were made for identity.
func (m *MockProvider) Calls(identity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[strings.ToUpper(identity)]
}

// TotalCalls returns the number of requests made to the server.
func (m *MockProvider) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.times)
}

// RequestTimes returns the arrival time of every request.
func (m *MockProvider) RequestTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.times...)
}

// identityFromPath extracts the identity from /v2/aggs/ticker/{id}/range/...
func identityFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "ticker" {
			return strings.ToUpper(parts[i+1])
		}
	}
	return ""
}

func (m *MockProvider) handle(w http.ResponseWriter, r *http.Request) {
	id := identityFromPath(r.URL.Path)

	m.mu.Lock()
	m.times = append(m.times, time.Now())
	m.LastRequestHeader = r.Header.Clone()
	m.LastQuery = r.URL.Query()
	n := m.calls[id]
	m.calls[id] = n + 1
	script := m.scripts[id]
	m.mu.Unlock()

	if len(script) == 0 {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status":"NOT_FOUND","message":"unknown ticker"}`))
		return
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	resp := script[n]

	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	w.Header().Set("Content-Type", "application/json")
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// Bar is one daily aggregate in provider wire form.
type Bar struct {
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
	Millis int64   `json:"t"`
}

// DailyBar builds a Bar for the given day with close c.
func DailyBar(day string, c float64) Bar {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		panic(err)
	}
	return Bar{Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000, Millis: t.UnixMilli()}
}

// NewBarsResponse creates a 200 OK response carrying bars.
func NewBarsResponse(identity string, bars ...Bar) MockResponse {
	body, err := json.Marshal(map[string]any{
		"status":       "OK",
		"ticker":       strings.ToUpper(identity),
		"resultsCount": len(bars),
		"results":      bars,
	})
	if err != nil {
		panic(err)
	}
	return MockResponse{StatusCode: http.StatusOK, Body: string(body)}
}

// NewEmptyResponse creates a 200 OK response with no results.
func NewEmptyResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusOK, Body: `{"status":"OK","resultsCount":0,"results":[]}`}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"status":"ERROR","error":"You've exceeded the maximum requests per minute"}`,
	}
}

// NewRateLimitBodyResponse creates a 200 response whose body reports a rate limit.
func NewRateLimitBodyResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"status":"ERROR","error":"You've exceeded the maximum requests per minute, please wait"}`,
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"status":"ERROR","error":"Internal server error"}`,
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"status":"NOT_FOUND","message":"ticker not found"}`,
	}
}

// NewMalformedResponse creates a 200 response that is not valid JSON.
func NewMalformedResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusOK, Body: `{"status":"OK","results":[`}
}

// NewRetryAfterResponse creates a 429 response with a Retry-After header.
func NewRetryAfterResponse(d time.Duration) MockResponse {
	resp := NewRateLimitResponse()
	resp.Headers = map[string]string{"Retry-After": fmt.Sprintf("%d", int(d.Seconds()))}
	return resp
}
