package proxy

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMaterializeAttachmentsDecodesImageDataURL(t *testing.T) {
	dir := t.TempDir()
	payload := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))
	messages := []Message{
		{Role: RoleSystem, Content: "you are an assistant"},
		{Role: RoleUser, StructContent: []ContentPart{
			{Type: PartText, Text: "check this image"},
			{Type: PartImageURL, ImageURL: &ImageURLPart{URL: "data:image/png;base64," + payload}},
		}},
	}

	out, err := MaterializeAttachments(messages, dir)
	if err != nil {
		t.Fatalf("MaterializeAttachments: %v", err)
	}

	last := out[len(out)-1]
	if last.IsStructured() {
		t.Fatalf("expected rebuilt message to be plain string, got structured: %+v", last)
	}
	if !strings.Contains(last.Content, "media/inbound/") || !strings.HasSuffix(strings.TrimSpace(strings.Split(last.Content, "\n")[0]), ".png]") {
		t.Fatalf("unexpected rebuilt content: %q", last.Content)
	}
	if !strings.Contains(last.Content, "check this image") {
		t.Fatalf("expected original text preserved, got %q", last.Content)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 written file, got %d", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "fake-png-bytes" {
		t.Fatalf("unexpected file contents: %q", data)
	}
}

func TestMaterializeAttachmentsDecodesFilePartAndSanitizes(t *testing.T) {
	dir := t.TempDir()
	payload := base64.StdEncoding.EncodeToString([]byte("csv,data"))
	messages := []Message{
		{Role: RoleUser, StructContent: []ContentPart{
			{Type: PartFile, Filename: "../../etc/passwd", Data: payload},
		}},
	}

	out, err := MaterializeAttachments(messages, dir)
	if err != nil {
		t.Fatalf("MaterializeAttachments: %v", err)
	}
	last := out[len(out)-1]
	if strings.Contains(last.Content, "/") == false {
		t.Fatalf("expected a media/inbound reference, got %q", last.Content)
	}
	if !strings.Contains(last.Content, "media/inbound/.._.._etc_passwd]") {
		t.Fatalf("expected path separators in filename replaced with '_', got %q", last.Content)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 written file, got %d", len(entries))
	}
	if strings.ContainsAny(entries[0].Name(), "/\\") {
		t.Fatalf("filename not sanitized on disk: %q", entries[0].Name())
	}
}

func TestMaterializeAttachmentsLeavesUnstructuredMessagesUnchanged(t *testing.T) {
	dir := t.TempDir()
	messages := []Message{
		{Role: RoleUser, Content: "just text, no attachments"},
	}
	out, err := MaterializeAttachments(messages, dir)
	if err != nil {
		t.Fatalf("MaterializeAttachments: %v", err)
	}
	if len(out) != 1 || out[0].Content != "just text, no attachments" {
		t.Fatalf("expected unchanged messages, got %+v", out)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("expected no files written, got %d", len(entries))
	}
}

func TestMaterializeAttachmentsDropsUndecodableImageSilently(t *testing.T) {
	dir := t.TempDir()
	messages := []Message{
		{Role: RoleUser, StructContent: []ContentPart{
			{Type: PartText, Text: "broken image"},
			{Type: PartImageURL, ImageURL: &ImageURLPart{URL: "data:application/octet-stream;base64,???"}},
		}},
	}
	out, err := MaterializeAttachments(messages, dir)
	if err != nil {
		t.Fatalf("MaterializeAttachments: %v", err)
	}
	if !out[0].IsStructured() {
		t.Fatalf("expected message unchanged (still structured) when no refs produced: %+v", out[0])
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("expected no files written, got %d", len(entries))
	}
}
