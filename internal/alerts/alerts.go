// Package alerts is the Alert Monitor (C9): a single long-lived loop that
// tails each running sandbox's append-only alert journal and dispatches
// accepted entries through a push sink, grounded on original_source's
// alert_monitor.py and the teacher's internal/engine.Scheduler run-loop
// shape for the tick/select/context-cancel pattern.
package alerts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clawbowl/orchestrator/internal/catalog"
	"github.com/clawbowl/orchestrator/internal/clock"
	"github.com/clawbowl/orchestrator/internal/logging"
	"github.com/clawbowl/orchestrator/internal/metrics"
	"github.com/clawbowl/orchestrator/internal/push"
)

// TickInterval matches spec.md §4.9 ("Every ~60 seconds").
const TickInterval = 60 * time.Second

const alertsFileName = ".alerts.jsonl"

// sandboxLister is the narrow view of the catalog the monitor needs.
type sandboxLister interface {
	ListByState(state string) ([]*catalog.Sandbox, error)
}

// alertLine is the accepted shape of one journal entry (spec §6: "Accepted
// fields: {title: string, body?: string, type?: string, ...}").
type alertLine struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Type  string `json:"type"`
}

// Monitor tails every running sandbox's .alerts.jsonl and dispatches
// accepted lines through a push.Sender. Offsets are kept in-memory only:
// lost on restart, so delivery is at-most-once within a process lifetime
// but at-least-once across restarts (spec §7) — acceptable because pushes
// are informational.
type Monitor struct {
	lister sandboxLister
	sender push.Sender
	clk    clock.Clock
	log    *logging.Logger

	mu      sync.Mutex
	offsets map[string]int64 // user_id -> byte offset already consumed
}

// New constructs a Monitor.
func New(lister sandboxLister, sender push.Sender, clk clock.Clock, log *logging.Logger) *Monitor {
	return &Monitor{lister: lister, sender: sender, clk: clk, log: log, offsets: map[string]int64{}}
}

// Run ticks every TickInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-m.clk.After(TickInterval):
			m.TickOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// TickOnce processes every running sandbox once. Exported so tests (and a
// future admin-triggered "check now" endpoint) can drive a single pass
// deterministically.
func (m *Monitor) TickOnce(ctx context.Context) {
	running, err := m.lister.ListByState(catalog.StateRunning)
	if err != nil {
		m.log.Error("alert monitor: list running sandboxes", "error", err)
		return
	}
	for _, sb := range running {
		m.tailOne(ctx, sb)
	}
}

func (m *Monitor) tailOne(ctx context.Context, sb *catalog.Sandbox) {
	path := filepath.Join(sb.DataPath, "workspace", alertsFileName)
	fi, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Error("alert monitor: stat alerts journal", "user_id", sb.UserID, "error", err)
		}
		return
	}

	m.mu.Lock()
	offset := m.offsets[sb.UserID]
	m.mu.Unlock()

	size := fi.Size()
	if size < offset {
		// Truncation or rotation: reseek from zero and reread everything.
		offset = 0
	}
	if size <= offset {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		m.log.Error("alert monitor: open alerts journal", "user_id", sb.UserID, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		m.log.Error("alert monitor: seek alerts journal", "user_id", sb.UserID, "error", err)
		return
	}

	reader := bufio.NewReader(f)
	newOffset := offset
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			m.log.Error("alert monitor: read alerts journal", "user_id", sb.UserID, "error", err)
			break
		}
		if err == io.EOF {
			// Partial trailing line with no newline yet: leave it for the
			// next tick, don't advance past it.
			break
		}
		newOffset += int64(len(line))
		trimmed := bytes.TrimRight(line, "\n")
		if len(trimmed) == 0 {
			continue
		}
		m.dispatchLine(ctx, sb, trimmed)
	}

	m.mu.Lock()
	m.offsets[sb.UserID] = newOffset
	m.mu.Unlock()
}

func (m *Monitor) dispatchLine(ctx context.Context, sb *catalog.Sandbox, line []byte) {
	var al alertLine
	if err := json.Unmarshal(line, &al); err != nil || al.Title == "" {
		return // invalid JSON or missing title: dropped silently
	}

	sendCtx, cancel := context.WithTimeout(ctx, push.SendTimeout)
	defer cancel()

	err := m.sender.Send(sendCtx, push.Notification{
		UserID: sb.UserID,
		Title:  al.Title,
		Body:   al.Body,
		Type:   al.Type,
	})
	if err != nil {
		metrics.AlertsDispatchedTotal.WithLabelValues("failed").Inc()
		m.log.Warn("alert monitor: dispatch failed", "user_id", sb.UserID, "error", err)
		return
	}
	metrics.AlertsDispatchedTotal.WithLabelValues("ok").Inc()
}
