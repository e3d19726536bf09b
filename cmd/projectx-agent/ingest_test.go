package main

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redwing-381/projectx/internal/capture"
	"github.com/redwing-381/projectx/internal/syncagent"
	"go.uber.org/zap"
)

func newIngestSession(t *testing.T) *session {
	t.Helper()
	store, err := capture.Open(context.Background(), capture.StoreConfig{Path: filepath.Join(t.TempDir(), "agent.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	agent, err := syncagent.New(syncagent.Config{Queue: store, Server: syncagent.NewClient("", "", "pixel-7", nil, time.Second)})
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	return &session{logger: zap.NewNop(), store: store, agent: agent}
}

func TestIngestLinesQueuesUntilEOF(t *testing.T) {
	sess := newIngestSession(t)
	input := strings.Join([]string{
		`{"app":"WhatsApp","sender":"Mom","text":"call me"}`,
		``,
		`not json`,
		`{"app":"Slack","sender":"Bot","text":"build passed"}`,
	}, "\n")

	if err := ingestLines(context.Background(), strings.NewReader(input), sess); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	pending, err := sess.store.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 2 {
		t.Fatalf("expected two queued captures, got %d", pending)
	}
}

func TestIngestLinesStopsOnCancelWithIdlePipe(t *testing.T) {
	sess := newIngestSession(t)
	reader, writer := io.Pipe()
	t.Cleanup(func() { _ = writer.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ingestLines(ctx, reader, sess) }()

	if _, err := io.WriteString(writer, `{"app":"WhatsApp","sender":"Mom","text":"call me"}`+"\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, err := sess.store.Pending(context.Background())
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if pending == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the written line to be queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("ingest did not return after cancellation while stdin stayed open")
	}
}
