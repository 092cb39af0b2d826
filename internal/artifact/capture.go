package artifact

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Polling defaults for WaitStable.
const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultTimeout      = 5 * time.Second
)

// Reasons Capture returns the result unchanged.
var (
	ErrInlineData = errors.New("result already carries inline data")
	ErrNoPath     = errors.New("result does not reference a file")
	ErrNotStable  = errors.New("artifact did not stabilize before timeout")
)

// Options controls artifact polling.
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
	// Root resolves relative paths reported by the engine.
	Root string
	// DisableWatch turns off fsnotify and relies on polling alone.
	DisableWatch bool
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Result is the augmented payload returned once an artifact was captured.
type Result struct {
	Success    bool   `json:"success"`
	FilePath   string `json:"file_path"`
	Base64Data string `json:"base64_data"`
	MIMEType   string `json:"mime_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Message    string `json:"message,omitempty"`
}

// Capture returns result augmented with the referenced file's contents, or
// result unchanged when there is nothing to capture. A non-nil error only
// explains why the original result was kept.
func Capture(ctx context.Context, result json.RawMessage, opts Options) (json.RawMessage, error) {
	opts = opts.withDefaults()

	if HasInlineData(result) {
		return result, ErrInlineData
	}
	raw, ok := ExtractPath(result)
	if !ok {
		return result, ErrNoPath
	}
	path := NormalizePath(raw, opts.Root)

	data, err := WaitStable(ctx, path, opts)
	if err != nil {
		return result, fmt.Errorf("%s: %w", path, err)
	}

	out := Result{
		Success:    true,
		FilePath:   path,
		Base64Data: base64.StdEncoding.EncodeToString(data),
		MIMEType:   mimeTypeFor(path),
		Message:    summary(result),
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		out.Width, out.Height = cfg.Width, cfg.Height
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return result, err
	}
	return encoded, nil
}

// WaitStable polls path until its non-zero size is the same on two
// consecutive polls, then returns the file contents. A write or create
// event for the file between polls restarts the observation.
func WaitStable(ctx context.Context, path string, opts Options) ([]byte, error) {
	opts = opts.withDefaults()

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	if !opts.DisableWatch {
		if w, err := fsnotify.NewWatcher(); err == nil {
			defer w.Close()
			if w.Add(filepath.Dir(path)) == nil {
				events = w.Events
			}
		}
	}

	lastSize := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrNotStable
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == path && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				lastSize = -1
			}
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil || info.Size() == 0 {
				lastSize = -1
				continue
			}
			if info.Size() != lastSize {
				lastSize = info.Size()
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil || int64(len(data)) != lastSize {
				lastSize = -1
				continue
			}
			return data, nil
		}
	}
}

func summary(result json.RawMessage) string {
	v := inspect(result)
	if len(v.texts) > 0 {
		return v.texts[0]
	}
	return ""
}
