package agent

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/argus-siem/argus/internal/store"
)

// Defaults for lines with no <PRI> header: user-level info.
const (
	defaultFacility = 1
	defaultSeverity = 6
)

// priRe matches the optional RFC 3164 priority header.
var priRe = regexp.MustCompile(`^<(\d{1,3})>`)

// tagRe matches "process[pid]:" or "process:" at the head of the message.
var tagRe = regexp.MustCompile(`^([A-Za-z0-9._/-]+)(\[\d+\])?:\s`)

// rfc3164 is the legacy syslog timestamp: no year, space-padded day.
const rfc3164 = "Jan _2 15:04:05"

// ParseSyslogLine normalizes one log line. It handles classic syslog with an
// optional <PRI> header, an RFC 3164 or RFC 3339 timestamp, hostname and
// process tag. Lines that match nothing still produce a record carrying the
// raw text, so no telemetry is silently lost.
func ParseSyslogLine(line string, now time.Time, fallbackHost string) store.LogRecord {
	rec := store.LogRecord{
		Timestamp: now,
		Hostname:  fallbackHost,
		Severity:  defaultSeverity,
		Facility:  defaultFacility,
		Raw:       line,
	}

	rest := line
	if m := priRe.FindStringSubmatch(rest); m != nil {
		if pri, err := strconv.Atoi(m[1]); err == nil && pri <= 191 {
			rec.Facility = pri / 8
			rec.Severity = pri % 8
		}
		rest = rest[len(m[0]):]
	}

	ts, remainder, tsOK := parseTimestamp(rest, now)
	if tsOK {
		rec.Timestamp = ts
		rest = remainder
	}

	// Hostname is the next space-delimited token, but only on lines that
	// carried a syslog timestamp; free-form text keeps the host fallback.
	if fields := strings.SplitN(rest, " ", 2); tsOK && len(fields) == 2 && !tagRe.MatchString(rest) {
		rec.Hostname = fields[0]
		rest = fields[1]
	}

	if m := tagRe.FindStringSubmatch(rest); m != nil {
		rec.Process = m[1]
		rest = rest[len(m[0]):]
	}

	rec.Message = strings.TrimSpace(rest)
	return rec
}

func parseTimestamp(s string, now time.Time) (time.Time, string, bool) {
	// RFC 3339 first: journald and rsyslog's modern template emit it.
	if idx := strings.IndexByte(s, ' '); idx > 0 {
		if ts, err := time.Parse(time.RFC3339, s[:idx]); err == nil {
			return ts, s[idx+1:], true
		}
	}
	// RFC 3164: fixed 15-character prefix, year borrowed from the clock.
	if len(s) >= 16 {
		if ts, err := time.Parse(rfc3164, s[:15]); err == nil {
			ts = ts.AddDate(now.Year(), 0, 0)
			// A December line read in January belongs to last year.
			if ts.After(now.Add(24 * time.Hour)) {
				ts = ts.AddDate(-1, 0, 0)
			}
			return ts, s[16:], true
		}
	}
	return time.Time{}, s, false
}
