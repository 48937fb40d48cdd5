package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

type stubTransport struct {
	calls  int
	errs   []error
	bodies []string
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		s.bodies = append(s.bodies, string(b))
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func dialErr(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
}

func TestNewClient_UserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		opts   []Option
		header string
		want   string
	}{
		{"default", nil, "", "companion/dev"},
		{"override", []Option{WithUserAgent("tester/1")}, "", "tester/1"},
		{"caller header wins", nil, "custom/2", "custom/2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tt.header != "" {
				req.Header.Set("User-Agent", tt.header)
			}
			resp, err := NewClient(tt.opts...).Do(req)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			resp.Body.Close()
			if got != tt.want {
				t.Errorf("User-Agent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewClient_Timeout(t *testing.T) {
	if c := NewClient(); c.Timeout != 60*time.Second {
		t.Errorf("default timeout = %v", c.Timeout)
	}
	if c := NewClient(WithTimeout(0)); c.Timeout != 0 {
		t.Errorf("timeout = %v, want none", c.Timeout)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"refused", dialErr(syscall.ECONNREFUSED), true},
		{"host unreachable", dialErr(syscall.EHOSTUNREACH), true},
		{"net unreachable", fmt.Errorf("wrapped: %w", dialErr(syscall.ENETUNREACH)), true},
		{"reset", dialErr(syscall.ECONNRESET), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryTransport(t *testing.T) {
	refused := dialErr(syscall.ECONNREFUSED)

	t.Run("recovers", func(t *testing.T) {
		stub := &stubTransport{errs: []error{refused, nil}}
		rt := wrap(stub, &options{retries: 2})
		req, _ := http.NewRequest(http.MethodPost, "http://model.local/chat", strings.NewReader("hi"))
		resp, err := rt.RoundTrip(req)
		if err != nil {
			t.Fatalf("RoundTrip: %v", err)
		}
		resp.Body.Close()
		if stub.calls != 2 {
			t.Errorf("calls = %d, want 2", stub.calls)
		}
		if len(stub.bodies) != 2 || stub.bodies[1] != "hi" {
			t.Errorf("bodies = %q, want body resent", stub.bodies)
		}
	})

	t.Run("gives up", func(t *testing.T) {
		stub := &stubTransport{errs: []error{refused, refused, refused, refused}}
		rt := wrap(stub, &options{retries: 2})
		req, _ := http.NewRequest(http.MethodGet, "http://model.local/", nil)
		if _, err := rt.RoundTrip(req); err == nil {
			t.Fatal("expected error")
		}
		if stub.calls != 3 {
			t.Errorf("calls = %d, want 3", stub.calls)
		}
	})

	t.Run("no retry on other errors", func(t *testing.T) {
		stub := &stubTransport{errs: []error{errors.New("tls: bad certificate")}}
		rt := wrap(stub, &options{retries: 2})
		req, _ := http.NewRequest(http.MethodGet, "http://model.local/", nil)
		rt.RoundTrip(req)
		if stub.calls != 1 {
			t.Errorf("calls = %d, want 1", stub.calls)
		}
	})

	t.Run("unrewindable body", func(t *testing.T) {
		stub := &stubTransport{errs: []error{refused, nil}}
		rt := wrap(stub, &options{retries: 2})
		req, _ := http.NewRequest(http.MethodPost, "http://model.local/", io.NopCloser(strings.NewReader("x")))
		if _, err := rt.RoundTrip(req); err == nil {
			t.Fatal("expected the dial error")
		}
		if stub.calls != 1 {
			t.Errorf("calls = %d, want 1", stub.calls)
		}
	})

	t.Run("context cancelled while waiting", func(t *testing.T) {
		stub := &stubTransport{errs: []error{refused, nil}}
		rt := wrap(stub, &options{retries: 2, retryDelay: time.Hour})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://model.local/", nil)
		if _, err := rt.RoundTrip(req); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}
