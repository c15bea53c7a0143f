package httputil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var frame = []byte{0xFF, 0xD8, 0xFF, 0xD9}

func TestPostJPEG(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch {
		case r.Method != http.MethodPost:
			http.Error(w, "want POST", http.StatusMethodNotAllowed)
		case r.Header.Get("Content-Type") != "image/jpeg":
			http.Error(w, "want image/jpeg", http.StatusUnsupportedMediaType)
		case !bytes.Equal(body, frame):
			http.Error(w, "frame mangled", http.StatusBadRequest)
		default:
			w.Write([]byte(`{"detections":[]}`))
		}
	}))
	defer srv.Close()

	got, err := PostJPEG(context.Background(), NewTimeoutClient(time.Second), srv.URL, frame)
	if err != nil {
		t.Fatalf("PostJPEG: %v", err)
	}
	if string(got) != `{"detections":[]}` {
		t.Errorf("body = %q", got)
	}
}

func TestPostJPEG_StatusError(t *testing.T) {
	t.Parallel()

	client := NewMockClient().Reply(http.StatusServiceUnavailable, "model loading\n")
	_, err := PostJPEG(context.Background(), client, "http://detector.local/detect", frame)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusServiceUnavailable || se.Body != "model loading" {
		t.Errorf("StatusError = %+v", se)
	}
	if err.Error() != "status 503: model loading" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestPostJPEG_CapsReply(t *testing.T) {
	t.Parallel()

	client := NewMockClient().Reply(http.StatusOK, strings.Repeat("x", MaxReplySize+10))
	got, err := PostJPEG(context.Background(), client, "http://detector.local/detect", frame)
	if err != nil {
		t.Fatalf("PostJPEG: %v", err)
	}
	if len(got) != MaxReplySize {
		t.Errorf("len(body) = %d, want %d", len(got), MaxReplySize)
	}
}

func TestPostJPEG_CancelledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := PostJPEG(ctx, srv.Client(), srv.URL, frame); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestMockClient_Script(t *testing.T) {
	t.Parallel()

	client := NewMockClient().
		Reply(http.StatusOK, "first").
		Fail(errors.New("connection refused"))

	if got, err := PostJPEG(context.Background(), client, "http://a/detect", frame); err != nil || string(got) != "first" {
		t.Errorf("first = %q, %v", got, err)
	}
	if _, err := PostJPEG(context.Background(), client, "http://a/detect", nil); err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("second err = %v", err)
	}
	// An exhausted script answers an empty 200.
	if got, err := PostJPEG(context.Background(), client, "http://a/detect", frame); err != nil || len(got) != 0 {
		t.Errorf("third = %q, %v", got, err)
	}

	sent := client.Sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d requests, want 3", len(sent))
	}
	if sent[0].Method != http.MethodPost || sent[0].URL != "http://a/detect" {
		t.Errorf("request = %s %s", sent[0].Method, sent[0].URL)
	}
	if ct := sent[0].Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("content-type = %q", ct)
	}
	if !bytes.Equal(sent[0].Body, frame) || len(sent[1].Body) != 0 {
		t.Errorf("bodies = %x, %x", sent[0].Body, sent[1].Body)
	}
}

func TestNewTimeoutClient(t *testing.T) {
	t.Parallel()

	if got := NewTimeoutClient(3 * time.Second).Timeout; got != 3*time.Second {
		t.Errorf("Timeout = %v", got)
	}
}
