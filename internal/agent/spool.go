// Package agent implements the host agent: collectors append telemetry to a
// disk spool, a forwarder drains the spool to the server, and the spool makes
// the pipeline survive restarts and server outages.
package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/argus-siem/argus/internal/metrics"
)

const (
	segmentMaxBytes = 8 << 20 // rotate the active segment at 8 MiB
	segmentPattern  = "seg-%016d.ndjson"
)

var cursorBucket = []byte("cursors")

// Cursor marks the next unread record: a segment sequence number and a byte
// offset inside it. Persisted in bbolt so a restart resumes exactly where the
// forwarder left off.
type Cursor struct {
	Seq    uint64 `json:"seq"`
	Offset int64  `json:"offset"`
}

// Spool is a per-kind segmented append log on disk. Writers append newline
// delimited JSON records; the forwarder peeks a batch, ships it, then commits
// the cursor. When the spool exceeds its cap the oldest closed segment is
// dropped, favoring fresh telemetry over complete history.
type Spool struct {
	dir  string
	kind string
	cap  int64
	db   *bolt.DB
	met  *metrics.Agent

	mu         sync.Mutex
	active     *os.File
	activeSeq  uint64
	activeSize int64
	total      int64
	cursor     Cursor
}

// OpenCursorDB opens the shared cursor store all kinds record into.
func OpenCursorDB(dir string) (*bolt.DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, "cursors.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open cursor db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cursorBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewSpool opens (or creates) the spool for one telemetry kind under
// dir/kind, recovering existing segments and the persisted cursor.
func NewSpool(db *bolt.DB, dir, kind string, capBytes int64, met *metrics.Agent) (*Spool, error) {
	s := &Spool{
		dir:  filepath.Join(dir, kind),
		kind: kind,
		cap:  capBytes,
		db:   db,
		met:  met,
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, err
	}

	segs, err := s.segments()
	if err != nil {
		return nil, err
	}
	seq := uint64(1)
	for _, sg := range segs {
		s.total += sg.size
		seq = sg.seq
	}
	if err := s.openActive(seq); err != nil {
		return nil, err
	}
	if err := s.loadCursor(); err != nil {
		return nil, err
	}
	s.reportBytes()
	return s, nil
}

type segInfo struct {
	seq  uint64
	size int64
}

func (s *Spool) segPath(seq uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf(segmentPattern, seq))
}

// segments lists segment files sorted by sequence number.
func (s *Spool) segments() ([]segInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var segs []segInfo
	for _, e := range entries {
		var seq uint64
		if _, err := fmt.Sscanf(e.Name(), segmentPattern, &seq); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		segs = append(segs, segInfo{seq: seq, size: info.Size()})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].seq < segs[j].seq })
	return segs, nil
}

func (s *Spool) openActive(seq uint64) error {
	f, err := os.OpenFile(s.segPath(seq), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	s.active = f
	s.activeSeq = seq
	s.activeSize = info.Size()
	return nil
}

func (s *Spool) loadCursor() error {
	return s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorBucket).Get([]byte(s.kind))
		if v == nil {
			s.cursor = Cursor{Seq: 1}
			return nil
		}
		return json.Unmarshal(v, &s.cursor)
	})
}

func (s *Spool) storeCursor(c Cursor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		v, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket(cursorBucket).Put([]byte(s.kind), v)
	})
}

// Append writes one JSON record. The record must be a single line; embedded
// newlines would corrupt framing.
func (s *Spool) Append(rec []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.active.Write(append(rec, '\n'))
	if err != nil {
		return fmt.Errorf("spool %s: append: %w", s.kind, err)
	}
	s.activeSize += int64(n)
	s.total += int64(n)

	if s.activeSize >= segmentMaxBytes {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}
	if err := s.enforceCapLocked(); err != nil {
		return err
	}
	s.reportBytes()
	return nil
}

func (s *Spool) rotateLocked() error {
	if err := s.active.Close(); err != nil {
		return err
	}
	return s.openActive(s.activeSeq + 1)
}

// enforceCapLocked drops closed segments oldest-first until under the cap.
// The active segment is never dropped.
func (s *Spool) enforceCapLocked() error {
	if s.total <= s.cap {
		return nil
	}
	segs, err := s.segments()
	if err != nil {
		return err
	}
	for _, sg := range segs {
		if s.total <= s.cap || sg.seq == s.activeSeq {
			break
		}
		if err := os.Remove(s.segPath(sg.seq)); err != nil {
			return err
		}
		s.total -= sg.size
		if s.met != nil {
			s.met.SpoolDropped.WithLabelValues(s.kind).Inc()
		}
		slog.Warn("[Spool] dropped oldest segment over cap", "kind", s.kind, "segment", sg.seq, "bytes", sg.size)
		if s.cursor.Seq <= sg.seq {
			s.cursor = Cursor{Seq: sg.seq + 1}
			if err := s.storeCursor(s.cursor); err != nil {
				return err
			}
		}
	}
	return nil
}

// Peek returns up to max unread records and the cursor that Commit should
// receive once they are safely delivered. Peeking does not advance anything.
func (s *Spool) Peek(max int) ([]json.RawMessage, Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cursor
	var out []json.RawMessage

	for len(out) < max && cur.Seq <= s.activeSeq {
		recs, next, err := s.readSegment(cur, max-len(out))
		if err != nil {
			return nil, Cursor{}, err
		}
		out = append(out, recs...)
		if next == cur {
			// Nothing further in this segment. The active segment grows in
			// place, so stay on it; a closed one is exhausted.
			if cur.Seq == s.activeSeq {
				break
			}
			cur = Cursor{Seq: cur.Seq + 1}
			continue
		}
		cur = next
	}
	return out, cur, nil
}

func (s *Spool) readSegment(cur Cursor, max int) ([]json.RawMessage, Cursor, error) {
	f, err := os.Open(s.segPath(cur.Seq))
	if err != nil {
		if os.IsNotExist(err) {
			// Dropped under pressure; skip ahead.
			return nil, cur, nil
		}
		return nil, Cursor{}, err
	}
	defer f.Close()

	if _, err := f.Seek(cur.Offset, 0); err != nil {
		return nil, Cursor{}, err
	}
	var out []json.RawMessage
	offset := cur.Offset
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for len(out) < max && scanner.Scan() {
		line := scanner.Bytes()
		offset += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		out = append(out, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		return nil, Cursor{}, err
	}
	return out, Cursor{Seq: cur.Seq, Offset: offset}, nil
}

// Commit persists the cursor and deletes fully consumed segments.
func (s *Spool) Commit(cur Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur.Seq < s.cursor.Seq || (cur.Seq == s.cursor.Seq && cur.Offset < s.cursor.Offset) {
		return nil // never move backwards
	}
	if err := s.storeCursor(cur); err != nil {
		return err
	}
	s.cursor = cur

	segs, err := s.segments()
	if err != nil {
		return err
	}
	for _, sg := range segs {
		if sg.seq >= cur.Seq || sg.seq == s.activeSeq {
			continue
		}
		if err := os.Remove(s.segPath(sg.seq)); err != nil {
			return err
		}
		s.total -= sg.size
	}
	s.reportBytes()
	return nil
}

// TotalBytes reports the on-disk footprint, used for pressure decisions.
func (s *Spool) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Cap returns the configured byte limit.
func (s *Spool) Cap() int64 { return s.cap }

// Close flushes and closes the active segment. The cursor db is shared and
// closed by the owner.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.active.Sync(); err != nil {
		return err
	}
	return s.active.Close()
}

func (s *Spool) reportBytes() {
	if s.met != nil {
		s.met.SpoolBytes.WithLabelValues(s.kind).Set(float64(s.total))
	}
}
