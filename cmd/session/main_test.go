package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/mindflex/internal/app/lifecycle"
	"github.com/dkeye/mindflex/internal/app/reconcile"
	"github.com/dkeye/mindflex/internal/domain"
)

func TestPrinterWritesOnlyNewEntries(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{w: &buf}
	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	first := lifecycle.Snapshot{Status: "Connected"}
	first.Transcript = []domain.TranscriptEntry{{Content: "Welcome back", Role: domain.RoleAssistant, Timestamp: at}}
	p.update(first)

	second := lifecycle.Snapshot{Status: "Connected", Snapshot: reconcile.Snapshot{
		Transcript: first.Transcript,
		Chat:       []domain.ChatEntry{{Message: "hi", From: domain.SenderYou, Timestamp: at}},
	}}
	p.update(second)

	out := buf.String()
	if strings.Count(out, "Welcome back") != 1 {
		t.Fatalf("transcript repeated:\n%s", out)
	}
	if strings.Count(out, "[Connected]") != 1 {
		t.Fatalf("status repeated:\n%s", out)
	}
	if !strings.Contains(out, "<YOU>") || !strings.Contains(out, "hi") {
		t.Fatalf("chat missing:\n%s", out)
	}
}
