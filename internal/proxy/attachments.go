package proxy

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var mimeExt = map[string]string{
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// MaterializeAttachments locates the last user message in messages and, if
// its content is structured, extracts image_url (data: URLs only) and file
// parts, decodes and writes each to mediaInboundDir, then rewrites that
// message's content into a single string referencing the written paths
// followed by its original text (spec §4.8 "Attachment materialization").
// Messages with no structured last-user-message are returned unchanged.
func MaterializeAttachments(messages []Message, mediaInboundDir string) ([]Message, error) {
	lastUserIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			lastUserIdx = i
			break
		}
	}
	if lastUserIdx == -1 || !messages[lastUserIdx].IsStructured() {
		return messages, nil
	}

	out := make([]Message, len(messages))
	copy(out, messages)

	msg := out[lastUserIdx]
	var refs []string
	for _, part := range msg.StructContent {
		switch part.Type {
		case PartImageURL:
			if part.ImageURL == nil {
				continue
			}
			name, data, ok := decodeDataURL(part.ImageURL.URL)
			if !ok {
				continue // failed sniff/decode: dropped silently, nothing is logged or surfaced
			}
			if err := os.MkdirAll(mediaInboundDir, 0o755); err != nil {
				return nil, fmt.Errorf("create media inbound dir: %w", err)
			}
			if err := os.WriteFile(filepath.Join(mediaInboundDir, name), data, 0o644); err != nil {
				return nil, fmt.Errorf("write attachment %s: %w", name, err)
			}
			refs = append(refs, name)
		case PartFile:
			if part.Filename == "" || part.Data == "" {
				continue
			}
			data, err := decodeBase64Payload(part.Data)
			if err != nil {
				continue // failed base64 decode: dropped, not surfaced
			}
			safe := sanitizeFilename(part.Filename)
			if err := os.MkdirAll(mediaInboundDir, 0o755); err != nil {
				return nil, fmt.Errorf("create media inbound dir: %w", err)
			}
			if err := os.WriteFile(filepath.Join(mediaInboundDir, safe), data, 0o644); err != nil {
				return nil, fmt.Errorf("write attachment %s: %w", safe, err)
			}
			refs = append(refs, safe)
		}
	}

	if len(refs) == 0 {
		return messages, nil
	}

	var rebuilt strings.Builder
	for _, ref := range refs {
		rebuilt.WriteString(fmt.Sprintf("[用户发送了文件: media/inbound/%s]\n", ref))
	}
	rebuilt.WriteString("\n")
	rebuilt.WriteString(msg.Text())

	out[lastUserIdx] = Message{Role: RoleUser, Content: rebuilt.String()}
	return out, nil
}

// decodeDataURL sniffs the MIME prefix of a data: URL, decodes its base64
// payload, and mints a fresh random filename with the sniffed extension.
// Returns ok=false if the URL isn't a recognized image data: URL or fails
// to decode.
func decodeDataURL(url string) (name string, data []byte, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "", nil, false
	}
	rest := url[len(prefix):]
	commaIdx := strings.IndexByte(rest, ',')
	if commaIdx == -1 {
		return "", nil, false
	}
	header := rest[:commaIdx]
	payload := rest[commaIdx+1:]

	semiIdx := strings.IndexByte(header, ';')
	mimeType := header
	if semiIdx != -1 {
		mimeType = header[:semiIdx]
	}
	ext, known := mimeExt[mimeType]
	if !known {
		return "", nil, false
	}

	decoded, err := decodeBase64Payload(payload)
	if err != nil {
		return "", nil, false
	}

	randomName, err := randomHex(8)
	if err != nil {
		return "", nil, false
	}
	return randomName + "." + ext, decoded, true
}

func decodeBase64Payload(payload string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(payload); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(payload)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// sanitizeFilename replaces path separators with underscores so a
// caller-supplied filename cannot escape the media/inbound directory.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
