package repl

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"judgepipe/internal/cli/command"
	httpclient "judgepipe/internal/cli/http"
)

type recordedRequest struct {
	method string
	path   string
	body   string
	trace  string
}

func newRecordingServer(t *testing.T) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var got []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, recordedRequest{method: r.Method, path: r.URL.Path, body: string(body), trace: r.Header.Get("X-Trace-Id")})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/queue/404") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":13107,"message":"Submission is not queued for processing"}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":10000,"message":"Success","data":{}}`))
	}))
	t.Cleanup(server.Close)
	return server, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), got...)
	}
}

func TestRunExecutesCommandsUntilExit(t *testing.T) {
	server, requests := newRecordingServer(t)
	input := strings.Join([]string{
		"retest problem id=42",
		"queue enqueue ids=1,2",
		"queue get id=404",
		"exit",
		"queue sweep",
	}, "\n") + "\n"
	var out bytes.Buffer

	session := New(httpclient.New(server.URL, time.Second), command.Registry(), false, strings.NewReader(input), &out)
	session.Run(context.Background())

	got := requests()
	if len(got) != 3 {
		t.Fatalf("expected 3 requests before exit, got %d: %+v", len(got), got)
	}
	if got[0].method != http.MethodPost || got[0].path != "/api/v1/pipeline/problems/42/retest" {
		t.Fatalf("unexpected first request %+v", got[0])
	}
	if got[1].body != `{"submission_ids":[1,2]}` {
		t.Fatalf("unexpected enqueue body %s", got[1].body)
	}
	if got[0].trace == "" || got[0].trace == got[1].trace {
		t.Fatalf("expected a fresh trace id per request")
	}
	if !strings.Contains(out.String(), "failed: 13107") {
		t.Fatalf("expected failure summary in output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "bye") {
		t.Fatalf("expected exit message")
	}
}

func TestExecPromptsForMissingFields(t *testing.T) {
	server, requests := newRecordingServer(t)
	var out bytes.Buffer

	session := New(httpclient.New(server.URL, time.Second), command.Registry(), true, strings.NewReader("17\n"), &out)
	if err := session.Exec(context.Background(), "submission archive"); err != nil {
		t.Fatalf("exec failed: %v", err)
	}

	got := requests()
	if len(got) != 1 || got[0].path != "/api/v1/pipeline/submissions/17/archive" {
		t.Fatalf("unexpected requests %+v", got)
	}
	if !strings.Contains(out.String(), "submission_id:") {
		t.Fatalf("expected prompt in output:\n%s", out.String())
	}
}

func TestExecRejectsUnknownCommands(t *testing.T) {
	session := New(httpclient.New("http://127.0.0.1:1", time.Second), command.Registry(), false, strings.NewReader(""), io.Discard)

	for _, line := range []string{"queue", "queue explode", "queue get id"} {
		if err := session.Exec(context.Background(), line); err == nil {
			t.Fatalf("expected error for %q", line)
		}
	}
}
