package agent

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/argus-siem/argus/internal/store"
)

// pollInterval backs up inotify: some filesystems (NFS, overlayfs quirks)
// drop events, and a periodic scan catches whatever the watcher missed.
const pollInterval = 2 * time.Second

// LogTailer follows a set of log files, emitting one normalized record per
// complete line. It survives rotation (reopen by name) and truncation
// (offset reset), and starts at end-of-file so a fresh install does not
// replay months of history.
type LogTailer struct {
	paths    []string
	hostname string
	emit     func(store.LogRecord)

	mu      sync.Mutex
	offsets map[string]int64
}

func NewLogTailer(paths []string, hostname string, emit func(store.LogRecord)) *LogTailer {
	return &LogTailer{
		paths:    paths,
		hostname: hostname,
		emit:     emit,
		offsets:  make(map[string]int64),
	}
}

// Run blocks until ctx is cancelled.
func (t *LogTailer) Run(ctx context.Context) {
	for _, p := range t.paths {
		if info, err := os.Stat(p); err == nil {
			t.offsets[p] = info.Size()
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("[LogTail] inotify unavailable, polling only", "error", err)
	} else {
		defer watcher.Close()
		dirs := map[string]bool{}
		for _, p := range t.paths {
			dirs[filepath.Dir(p)] = true
		}
		// Watch the directories, not the files: rotation replaces inodes.
		for d := range dirs {
			if err := watcher.Add(d); err != nil {
				slog.Warn("[LogTail] watch failed", "dir", d, "error", err)
			}
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			for _, p := range t.paths {
				if p == ev.Name {
					t.drain(p)
				}
			}
		case err := <-errs:
			slog.Warn("[LogTail] watcher error", "error", err)
		case <-ticker.C:
			for _, p := range t.paths {
				t.drain(p)
			}
		}
	}
}

// drain reads complete new lines from one file and emits them.
func (t *LogTailer) drain(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	offset := t.offsets[path]
	if info.Size() < offset {
		// Truncated in place; start over.
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}

	reader := bufio.NewReader(f)
	now := time.Now().UTC()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Partial trailing line stays unread until the writer finishes it.
			break
		}
		offset += int64(len(line))
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		rec := ParseSyslogLine(line, now, t.hostname)
		t.emit(rec)
	}
	t.offsets[path] = offset
}
