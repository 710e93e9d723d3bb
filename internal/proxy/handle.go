package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/clawbowl/orchestrator/internal/logging"
	"github.com/clawbowl/orchestrator/internal/metrics"
)

func jsonMarshalCompact(v any) ([]byte, error) {
	return json.Marshal(v)
}

// SandboxTarget is the per-user routing information the proxy needs to
// reach a sandbox gateway, supplied by C7's Handle.
type SandboxTarget struct {
	Port         int
	GatewayToken string
	SessionKey   string
	WorkspaceDir string
}

// Proxy wires together attachment materialization, temporal injection,
// the upstream client, turn-boundary detection, and workspace diffing into
// the single request-aware SSE pipeline spec.md §4.8 describes.
type Proxy struct {
	upstream *UpstreamClient
	log      *logging.Logger
}

// New constructs a Proxy.
func New(log *logging.Logger) *Proxy {
	return &Proxy{upstream: NewUpstreamClient(), log: log}
}

// sseWriter writes typed deltas as "event: <kind>\ndata: <json>\n\n" lines,
// the same framing idiom as the teacher's internal/web/sse.go.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("proxy: streaming not supported by response writer")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) writeDelta(d Delta) {
	data, err := jsonMarshalCompact(d)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", d.Kind, data)
	s.flusher.Flush()
}

func (s *sseWriter) writeDone() {
	io.WriteString(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// Handle runs the full C8 pipeline for one chat-completion request and
// streams typed deltas to w, terminated by a [DONE] sentinel (spec §4.8
// "Termination contract").
func (p *Proxy) Handle(ctx context.Context, w http.ResponseWriter, target SandboxTarget, userID string, req ChatRequest) error {
	sw, err := newSSEWriter(w)
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	log := p.log.With("request_id", requestID, "user_id", userID)

	mediaInboundDir := filepath.Join(target.WorkspaceDir, "media", "inbound")
	messages, err := MaterializeAttachments(req.Messages, mediaInboundDir)
	if err != nil {
		log.Warn("proxy: attachment materialization failed", "error", err)
		messages = req.Messages
	}
	messages = InjectTemporalContext(messages, time.Now())

	forwardReq := ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
		User:     userID,
	}

	before, err := SnapshotWorkspace(target.WorkspaceDir)
	if err != nil {
		log.Warn("proxy: pre-stream workspace snapshot failed", "error", err)
		before = map[string]fileStat{}
	}

	buffer := NewTurnBuffer()
	var classifier string

	for attempt := 0; attempt < 2; attempt++ {
		status, callErr := p.upstream.Call(ctx, target.Port, target.GatewayToken, target.SessionKey, forwardReq, func(chunk UpstreamChunk, at time.Time) {
			for _, d := range buffer.Feed(chunk, at) {
				sw.writeDelta(d)
				if d.Kind == DeltaContent {
					metrics.ProxyTurnsTotal.Inc()
				}
			}
		})
		if callErr == nil {
			classifier = ""
			break
		}
		classifier, _ = Classify(callErr, status)
		metrics.ProxyRetryTotal.WithLabelValues(classifier).Inc()
		log.Warn("proxy: upstream call failed", "attempt", attempt, "classifier", classifier, "error", callErr)
		if attempt == 0 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if classifier != "" {
		sw.writeDelta(Delta{Kind: DeltaContent, Text: friendlyMessageFor(classifier)})
		sw.writeDone()
		return nil
	}

	for _, d := range buffer.Flush() {
		sw.writeDelta(d)
		if d.Kind == DeltaContent {
			metrics.ProxyTurnsTotal.Inc()
		}
	}

	if !buffer.SawAnyChunk() {
		if len(req.Messages) > 4 {
			sw.writeDelta(Delta{Kind: DeltaContent, Text: emptyStreamFilteredMessage, Filtered: true})
		} else {
			sw.writeDelta(Delta{Kind: DeltaContent, Text: friendlyMessageFor("unknown")})
		}
	}

	after, err := SnapshotWorkspace(target.WorkspaceDir)
	if err != nil {
		log.Warn("proxy: post-stream workspace snapshot failed", "error", err)
		after = before
	}
	for _, d := range DiffWorkspace(before, after) {
		sw.writeDelta(d)
	}

	sw.writeDone()
	return nil
}
