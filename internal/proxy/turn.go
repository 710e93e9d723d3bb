package proxy

import "time"

// UpstreamChunk is the decoded shape of one upstream SSE chat-completion
// chunk's relevant fields (spec §4.8).
type UpstreamChunk struct {
	ContentDelta  string
	ToolCallNames []string
	FinishReason  string // "", "tool_calls", "stop", or other
}

// TurnBuffer implements the turn-boundary detection algorithm (spec §4.8,
// "the key algorithm"): it joins protocol markers (finish_reason) with a
// temporal-gap heuristic to decide when an agent turn has ended, buffering
// content and emitting typed deltas as chunks arrive.
type TurnBuffer struct {
	buf          string
	turnCount    int
	lastChunkAt  time.Time
	haveLastChunk bool
	seenTools    map[string]bool
	thinkingAcc  string
	sawAnyChunk  bool
}

// NewTurnBuffer creates an empty TurnBuffer for one SSE stream.
func NewTurnBuffer() *TurnBuffer {
	return &TurnBuffer{seenTools: map[string]bool{}}
}

// SawAnyChunk reports whether any upstream delta chunk has been observed,
// used by the empty-stream handling decision.
func (t *TurnBuffer) SawAnyChunk() bool {
	return t.sawAnyChunk
}

// TurnCount returns the number of turn boundaries crossed so far.
func (t *TurnBuffer) TurnCount() int {
	return t.turnCount
}

// Feed processes one upstream chunk arriving at time `now` (monotonic
// clock per spec) and returns the ordered sequence of deltas to forward to
// the orchestrator's own client.
func (t *TurnBuffer) Feed(chunk UpstreamChunk, now time.Time) []Delta {
	var out []Delta

	for _, name := range chunk.ToolCallNames {
		if !t.seenTools[name] {
			t.seenTools[name] = true
			out = append(out, Delta{Kind: DeltaThinking, Text: toolStatus(name)})
		}
	}

	if chunk.ContentDelta != "" {
		t.sawAnyChunk = true

		if t.haveLastChunk && now.Sub(t.lastChunkAt) > turnGapThreshold {
			// Implicit turn boundary: agent silently restarted generation.
			t.buf = ""
			t.turnCount++
			out = append(out, Delta{Kind: DeltaThinking, Text: "\n\n"})
		}
		t.lastChunkAt = now
		t.haveLastChunk = true

		t.buf += chunk.ContentDelta
		out = append(out, t.feedThinking(chunk.ContentDelta, false)...)
	}

	switch chunk.FinishReason {
	case "tool_calls":
		t.buf = ""
		t.turnCount++
	case "stop":
		out = append(out, t.feedThinking("", true)...)
		if t.buf != "" {
			out = append(out, Delta{Kind: DeltaContent, Text: t.buf})
		}
		t.buf = ""
	}

	return out
}

// Flush emits the remaining buffered content (and any coalesced thinking
// text) as a final delta, for streams that end without a "stop"
// finish_reason — e.g. a temporal-gap restart that silently drops the
// trailing chunks. It is a no-op if nothing is buffered.
func (t *TurnBuffer) Flush() []Delta {
	var out []Delta
	out = append(out, t.feedThinking("", true)...)
	if t.buf != "" {
		out = append(out, Delta{Kind: DeltaContent, Text: t.buf})
		t.buf = ""
	}
	return out
}

// feedThinking accumulates text into the coalescing buffer and flushes it
// as a single delta.thinking once it reaches thinkingCoalesceThreshold
// characters, or immediately when flush is forced (stream end).
func (t *TurnBuffer) feedThinking(text string, flush bool) []Delta {
	t.thinkingAcc += text
	if !flush && len(t.thinkingAcc) < thinkingCoalesceThreshold {
		return nil
	}
	if t.thinkingAcc == "" {
		return nil
	}
	d := Delta{Kind: DeltaThinking, Text: t.thinkingAcc}
	t.thinkingAcc = ""
	return []Delta{d}
}
