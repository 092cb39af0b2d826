// Package artifact recovers binary artifacts (screenshots) that the engine
// writes to disk asynchronously and only references by path in its result.
package artifact

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

var pathRe = regexp.MustCompile(`(?:[A-Za-z]:[\\/]|\.{1,2}[\\/]|[\\/])[^\r\n"'<>|?*]*`)

var imageMIMETypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".bmp":  "image/bmp",
}

var (
	inlineKeys = []string{"base64_data", "base64", "image_data", "data"}
	pathKeys   = []string{"file_path", "filePath", "path", "full_path"}
)

// view is the flattened, inspectable form of a tools/call result.
type view struct {
	objects []map[string]any
	texts   []string
	images  int
}

func inspect(result json.RawMessage) view {
	var v view

	var top map[string]any
	if err := json.Unmarshal(result, &top); err != nil {
		var s string
		if json.Unmarshal(result, &s) == nil {
			v.addText(s)
		}
		return v
	}
	v.objects = append(v.objects, top)

	if parsed, err := mcp.ParseCallToolResult(&result); err == nil {
		if m, ok := parsed.StructuredContent.(map[string]any); ok {
			v.objects = append(v.objects, m)
		}
		for _, content := range parsed.Content {
			if tc, ok := mcp.AsTextContent(content); ok {
				v.addText(tc.Text)
				continue
			}
			if ic, ok := mcp.AsImageContent(content); ok && ic.Data != "" {
				v.images++
			}
		}
		return v
	}

	// Results that mcp-go refuses to parse (missing mimeType, unknown
	// content types) are walked generically.
	if m, ok := top["structuredContent"].(map[string]any); ok {
		v.objects = append(v.objects, m)
	}
	items, _ := top["content"].([]any)
	for _, item := range items {
		c, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch c["type"] {
		case "text":
			if text, ok := c["text"].(string); ok {
				v.addText(text)
			}
		case "image":
			if data, ok := c["data"].(string); ok && data != "" {
				v.images++
			}
		}
	}
	return v
}

func (v *view) addText(s string) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]any
		if json.Unmarshal([]byte(trimmed), &m) == nil {
			v.objects = append(v.objects, m)
			return
		}
	}
	if trimmed != "" {
		v.texts = append(v.texts, trimmed)
	}
}

// HasInlineData reports whether result already carries image bytes.
func HasInlineData(result json.RawMessage) bool {
	v := inspect(result)
	if v.images > 0 {
		return true
	}
	for _, obj := range v.objects {
		if firstString(obj, inlineKeys) != "" {
			return true
		}
	}
	return false
}

// ExtractPath finds the artifact file path referenced by result, either as
// a structured field or inside free-form text such as
// "Screenshot requested: C:/Project/Saved/Screenshots/Shot.png".
func ExtractPath(result json.RawMessage) (string, bool) {
	v := inspect(result)
	for _, obj := range v.objects {
		if p := firstString(obj, pathKeys); p != "" {
			return p, true
		}
	}
	for _, text := range v.texts {
		if p := strings.TrimRight(pathRe.FindString(text), " \t.,;:)"); len(p) > 1 {
			return p, true
		}
	}
	return "", false
}

// NormalizePath converts separators to the host form, resolves relative
// paths against root (when set) and guarantees an image extension.
func NormalizePath(p, root string) string {
	p = strings.TrimSpace(p)
	p = filepath.FromSlash(strings.ReplaceAll(p, `\`, "/"))
	if root != "" && !filepath.IsAbs(p) && !hasDriveLetter(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	if _, ok := imageMIMETypes[strings.ToLower(filepath.Ext(p))]; !ok {
		p += ".png"
	}
	return p
}

func hasDriveLetter(p string) bool {
	return len(p) >= 2 && p[1] == ':' && (p[0] >= 'A' && p[0] <= 'Z' || p[0] >= 'a' && p[0] <= 'z')
}

func mimeTypeFor(p string) string {
	if t, ok := imageMIMETypes[strings.ToLower(filepath.Ext(p))]; ok {
		return t
	}
	return "application/octet-stream"
}

func firstString(obj map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
