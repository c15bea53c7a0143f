// Package testutil provides shared test helpers and fixtures.
package testutil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// LoopbackRequest creates a test request from 127.0.0.1 so tsweb debug
// pages accept it.
func LoopbackRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// JPEG returns a fake JPEG image of n payload bytes: SOI, n copies of fill,
// EOI. fill must not be 0xFF so the payload holds no markers.
func JPEG(fill byte, n int) []byte {
	b := make([]byte, 0, n+4)
	b = append(b, 0xFF, 0xD8)
	b = append(b, bytes.Repeat([]byte{fill}, n)...)
	return append(b, 0xFF, 0xD9)
}

// MJPEGPart wraps a frame in the multipart framing used by camera feeds.
func MJPEGPart(frame []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("--frame\r\nContent-Type: image/jpeg\r\n\r\n")
	buf.Write(frame)
	buf.WriteString("\r\n")
	return buf.Bytes()
}
