// Package proxy is the Request-Aware SSE Proxy (C8): it ingests chat
// completion requests, materializes attachments to the sandbox workspace,
// injects date/session context, forwards to the sandbox gateway, reshapes
// SSE into a typed delta stream, and detects emitted workspace files. This
// is the densest subsystem (spec.md §4.8) and has no original_source Go/
// Python file to adapt line-for-line (proxy.py there is a 12-line stub), so
// spec.md is the sole authoritative source for its algorithms; the SSE
// writing idiom (flusher + "event: ...\ndata: ...\n\n") is grounded on the
// teacher's internal/web/sse.go.
package proxy

import "time"

// Role is the chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType identifies a structured content part's kind.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
	PartFile     PartType = "file"
)

// ContentPart is one part of a structured message content sequence.
type ContentPart struct {
	Type PartType `json:"type"`

	// Text carries PartText's payload.
	Text string `json:"text,omitempty"`

	// ImageURL carries PartImageURL's payload (spec: inline data: URL).
	ImageURL *ImageURLPart `json:"image_url,omitempty"`

	// Filename/Data carry PartFile's payload.
	Filename string `json:"filename,omitempty"`
	Data     string `json:"data,omitempty"`
}

// ImageURLPart is the nested shape of an image_url content part.
type ImageURLPart struct {
	URL string `json:"url"`
}

// Message is one chat message. Content is either a plain string or a
// structured []ContentPart, modeled with both fields and only one set at a
// time since Go has no union type.
type Message struct {
	Role          Role          `json:"role"`
	Content       string        `json:"content,omitempty"`
	StructContent []ContentPart `json:"-"`
}

// ChatRequest is the inbound request shape (spec §4.8).
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	User     string    `json:"user,omitempty"`
}

// DeltaKind identifies which of the three typed delta kinds a Delta is.
type DeltaKind string

const (
	DeltaThinking DeltaKind = "thinking"
	DeltaContent  DeltaKind = "content"
	DeltaFile     DeltaKind = "file"
)

// Delta is one typed event emitted to the orchestrator's own client,
// reshaped from the upstream's raw chat-completion chunks.
type Delta struct {
	Kind     DeltaKind `json:"kind"`
	Text     string    `json:"text,omitempty"`
	Filtered bool      `json:"filtered,omitempty"`

	// File-delta fields.
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
	Size int64  `json:"size,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// turnGapThreshold is the temporal-gap implicit turn-boundary signal (spec
// §4.8: "turn-gap threshold of 3.0 seconds").
const turnGapThreshold = 3 * time.Second

// thinkingCoalesceThreshold is the accumulate-then-flush size for
// delta.thinking chunks (spec §4.8: "~80 characters").
const thinkingCoalesceThreshold = 80

// friendlyMessages maps the retry/error classifier to its literal
// user-visible message (spec §4.8 table).
var friendlyMessages = map[string]string{
	"connect": "网络连接异常，正在重试...",
	"timeout": "AI 响应超时，请稍后重试",
	"read":    "网络波动，数据读取中断",
	"server":  "AI 服务暂时繁忙，请稍后再试",
	"unknown": "出了一点小问题，请稍后重试",
}

const (
	emptyStreamFilteredMessage = "该内容暂时无法处理，已自动清理相关对话记录，请换个话题继续。"
)

// toolStatusTable is the tool-call status mapping (spec §4.8).
var toolStatusTable = map[string]string{
	"image":      "正在分析图片...",
	"web_search": "正在搜索网页...",
	"read":       "正在读取文件...",
	"write":      "正在写入文件...",
	"edit":       "正在编辑文件...",
	"exec":       "正在执行命令...",
	"process":    "正在处理任务...",
	"cron":       "正在设置定时任务...",
	"memory":     "正在检索记忆...",
	"web_fetch":  "正在读取网页...",
}

func toolStatus(name string) string {
	if s, ok := toolStatusTable[name]; ok {
		return s
	}
	return "正在执行 " + name + "..."
}
