package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/pkg/models"
)

func buildWatchCmd() *cobra.Command {
	var (
		serverURL string
		provider  string
	)
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Watch transcript JSONL files and feed them to a running server",
		Long: `Tail agent transcript files under a directory and submit each appended
line to the ingestion API as the file-watcher source. The watcher is the
lowest-priority producer: events already delivered by stream-json or
hooks are suppressed server-side.

Session ids are derived from the transcript file name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := observability.NewLogger(observability.LogConfig{Format: "text"})
			w := &transcriptWatcher{
				client:   newAPIClient(serverURL),
				provider: models.Provider(provider),
				log:      log,
				offsets:  make(map[string]int64),
			}
			return w.run(cmd.Context(), args[0])
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Engram server URL")
	cmd.Flags().StringVar(&provider, "provider", string(models.ProviderClaudeCode),
		"Event format of the transcripts: claude_code, gemini, generic")
	return cmd
}

// transcriptWatcher tails JSONL transcripts and posts envelopes.
type transcriptWatcher struct {
	client   *apiClient
	provider models.Provider
	log      *observability.Logger

	mu      sync.Mutex
	offsets map[string]int64
}

func (w *transcriptWatcher) run(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// Catch up on transcripts that already exist.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() && isTranscript(e.Name()) {
			w.drain(ctx, filepath.Join(dir, e.Name()))
		}
	}

	w.log.Info("watching transcripts", "dir", dir, "provider", string(w.provider))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTranscript(ev.Name) {
				continue
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				w.drain(ctx, ev.Name)
			}
			if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
				w.forget(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

// drain reads lines appended since the last offset and submits each one.
func (w *transcriptWatcher) drain(ctx context.Context, path string) {
	w.mu.Lock()
	offset := w.offsets[path]
	w.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		w.log.Warn("cannot open transcript", "path", path, "error", err)
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() < offset {
		// Truncated or rotated; start over.
		offset = 0
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return
	}

	sessionID := sessionFromPath(path)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	read := offset
	for scanner.Scan() {
		line := scanner.Bytes()
		read += int64(len(line)) + 1
		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" || !json.Valid([]byte(trimmed)) {
			continue
		}
		env := &models.Envelope{
			EventID:         uuid.NewString(),
			IngestTimestamp: time.Now().UTC(),
			Provider:        w.provider,
			Payload:         json.RawMessage(trimmed),
			Headers: models.EnvelopeHeaders{
				SessionID: sessionID,
				Source:    models.SourceFileWatcher,
			},
		}
		if err := w.client.Ingest(ctx, env); err != nil {
			w.log.Warn("ingest failed", "path", path, "error", err)
			// Leave the offset behind the failed line so it is retried on
			// the next write event.
			read -= int64(len(line)) + 1
			break
		}
	}

	w.mu.Lock()
	w.offsets[path] = read
	w.mu.Unlock()
}

func (w *transcriptWatcher) forget(path string) {
	w.mu.Lock()
	delete(w.offsets, path)
	w.mu.Unlock()
}

func isTranscript(name string) bool {
	return strings.HasSuffix(name, ".jsonl")
}

func sessionFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".jsonl")
}
