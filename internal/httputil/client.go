// Package httputil holds the sorter's HTTP plumbing: JSON responses for the
// admin routes and the outbound client used to reach the detector.
package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// MaxReplySize caps a response body read by PostJPEG.
const MaxReplySize = 1 << 20

// HTTPClient is the part of *http.Client that outbound callers need.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewTimeoutClient returns a client whose requests are bounded by d, so a
// stalled detector cannot hold a classify task past its window.
func NewTimeoutClient(d time.Duration) *http.Client {
	return &http.Client{Timeout: d}
}

// StatusError is returned by PostJPEG for a non-200 reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// PostJPEG posts frame to url as image/jpeg and returns the body of a 200
// reply, read up to MaxReplySize.
func PostJPEG(ctx context.Context, c HTTPClient, url string, frame []byte) ([]byte, error) {
	if c == nil {
		c = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxReplySize))
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return body, nil
}

// SentRequest is a request captured by MockClient, with its body read out.
type SentRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type scriptedReply struct {
	status int
	body   string
	err    error
}

// MockClient is an HTTPClient that answers from a script of replies and
// records what it was sent. Once the script runs out it answers 200 with an
// empty body.
type MockClient struct {
	mu      sync.Mutex
	replies []scriptedReply
	sent    []SentRequest
}

// NewMockClient returns a MockClient with an empty script.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Reply appends a reply with the given status and body.
func (m *MockClient) Reply(status int, body string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, scriptedReply{status: status, body: body})
	return m
}

// Fail appends a transport error.
func (m *MockClient) Fail(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, scriptedReply{err: err})
	return m
}

// Do records req and returns the next scripted reply.
func (m *MockClient) Do(req *http.Request) (*http.Response, error) {
	sent := SentRequest{Method: req.Method, URL: req.URL.String(), Header: req.Header.Clone()}
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		sent.Body = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent)

	next := scriptedReply{status: http.StatusOK}
	if len(m.replies) > 0 {
		next, m.replies = m.replies[0], m.replies[1:]
	}
	if next.err != nil {
		return nil, next.err
	}
	return &http.Response{
		StatusCode: next.status,
		Body:       io.NopCloser(bytes.NewBufferString(next.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// Sent returns the requests recorded so far.
func (m *MockClient) Sent() []SentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentRequest(nil), m.sent...)
}
