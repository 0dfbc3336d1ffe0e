package agent

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/argus-siem/argus/internal/store"
)

// zshExtRe matches zsh EXTENDED_HISTORY entries: ": <epoch>:<elapsed>;cmd".
var zshExtRe = regexp.MustCompile(`^: (\d+):\d+;(.*)$`)

// HistoryCollector diffs shell history files on an interval, emitting the
// commands appended since the previous pass. Shells rewrite their history on
// logout, so a shrinking file resets the offset and dedup falls to the
// server's fingerprinting.
type HistoryCollector struct {
	paths []string
	emit  func(store.CommandRecord)

	mu      sync.Mutex
	offsets map[string]int64
	primed  map[string]bool
}

func NewHistoryCollector(paths []string, emit func(store.CommandRecord)) *HistoryCollector {
	return &HistoryCollector{
		paths:   expandHistoryPaths(paths),
		emit:    emit,
		offsets: make(map[string]int64),
		primed:  make(map[string]bool),
	}
}

// expandHistoryPaths resolves glob patterns like /home/*/.bash_history.
func expandHistoryPaths(patterns []string) []string {
	var out []string
	for _, p := range patterns {
		if matches, err := filepath.Glob(p); err == nil && len(matches) > 0 {
			out = append(out, matches...)
			continue
		}
		out = append(out, p)
	}
	return out
}

// Run scans once per interval until ctx is cancelled. The first pass only
// records offsets, so pre-existing history is not replayed as fresh activity.
func (h *HistoryCollector) Run(ctx context.Context, interval time.Duration) {
	h.scan()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.scan()
		}
	}
}

func (h *HistoryCollector) scan() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, path := range h.paths {
		h.scanFile(path)
	}
}

func (h *HistoryCollector) scanFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	offset := h.offsets[path]
	if info.Size() < offset {
		offset = 0
	}
	if !h.primed[path] {
		h.primed[path] = true
		h.offsets[path] = info.Size()
		return
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return
	}

	username := historyOwner(path)
	shell := shellFromPath(path)
	now := time.Now().UTC()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		offset += int64(len(line)) + 1
		cmd, ts := parseHistoryLine(line, now)
		if cmd == "" {
			continue
		}
		h.emit(store.CommandRecord{
			Timestamp: ts,
			Command:   cmd,
			Username:  username,
			Shell:     shell,
			Source:    filepath.Base(path),
		})
	}
	h.offsets[path] = offset
}

// parseHistoryLine handles plain bash lines and zsh extended history, which
// carries the real execution timestamp.
func parseHistoryLine(line string, now time.Time) (string, time.Time) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", now
	}
	if m := zshExtRe.FindStringSubmatch(line); m != nil {
		ts := now
		if epoch, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			ts = time.Unix(epoch, 0).UTC()
		}
		return strings.TrimSpace(m[2]), ts
	}
	// Bash HISTTIMEFORMAT writes "#<epoch>" marker lines; skip them, the
	// command follows on its own line.
	if strings.HasPrefix(line, "#") {
		if _, err := strconv.ParseInt(line[1:], 10, 64); err == nil {
			return "", now
		}
	}
	return line, now
}

// historyOwner guesses the account from the home directory layout.
func historyOwner(path string) string {
	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, "/home/") {
		parts := strings.Split(clean, "/")
		if len(parts) > 2 {
			return parts[2]
		}
	}
	if strings.HasPrefix(clean, "/root/") {
		return "root"
	}
	return ""
}

func shellFromPath(path string) string {
	base := filepath.Base(path)
	switch {
	case strings.Contains(base, "zsh"):
		return "zsh"
	case strings.Contains(base, "bash"):
		return "bash"
	default:
		return strings.TrimSuffix(strings.TrimPrefix(base, "."), "_history")
	}
}
