package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var parseNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func TestParseSyslogLineClassic(t *testing.T) {
	rec := ParseSyslogLine("<38>Jun 10 08:11:30 web01 sshd[4242]: Failed password for invalid user admin from 10.0.0.9 port 55110 ssh2", parseNow, "fallback")

	assert.Equal(t, 4, rec.Facility) // auth
	assert.Equal(t, 6, rec.Severity)
	assert.Equal(t, "web01", rec.Hostname)
	assert.Equal(t, "sshd", rec.Process)
	assert.Equal(t, "Failed password for invalid user admin from 10.0.0.9 port 55110 ssh2", rec.Message)
	assert.Equal(t, time.June, rec.Timestamp.Month())
	assert.Equal(t, 2025, rec.Timestamp.Year())
	assert.Equal(t, 8, rec.Timestamp.Hour())
}

func TestParseSyslogLineNoPriority(t *testing.T) {
	rec := ParseSyslogLine("Jun  1 03:04:05 db02 cron[99]: session opened", parseNow, "fallback")

	assert.Equal(t, defaultSeverity, rec.Severity)
	assert.Equal(t, defaultFacility, rec.Facility)
	assert.Equal(t, "db02", rec.Hostname)
	assert.Equal(t, "cron", rec.Process)
	assert.Equal(t, 1, rec.Timestamp.Day())
}

func TestParseSyslogLineRFC3339(t *testing.T) {
	rec := ParseSyslogLine("2025-06-10T08:11:30Z web01 nginx: upstream timed out", parseNow, "fallback")

	assert.Equal(t, "web01", rec.Hostname)
	assert.Equal(t, "nginx", rec.Process)
	assert.Equal(t, "upstream timed out", rec.Message)
	assert.Equal(t, time.Date(2025, 6, 10, 8, 11, 30, 0, time.UTC), rec.Timestamp)
}

func TestParseSyslogLineDecemberWrap(t *testing.T) {
	january := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	rec := ParseSyslogLine("Dec 31 23:59:58 host1 app: year boundary", january, "fallback")
	assert.Equal(t, 2025, rec.Timestamp.Year())
}

func TestParseSyslogLineUnstructured(t *testing.T) {
	rec := ParseSyslogLine("some totally free-form line", parseNow, "fallback")

	assert.Equal(t, "fallback", rec.Hostname)
	assert.Equal(t, "some totally free-form line", rec.Raw)
	assert.Equal(t, parseNow, rec.Timestamp)
	assert.NotEmpty(t, rec.Message)
}

func TestParseSyslogLinePriorityBounds(t *testing.T) {
	// 191 is the highest legal PRI; higher values are treated as text.
	rec := ParseSyslogLine("<191>Jun 10 08:11:30 h p: m", parseNow, "fallback")
	assert.Equal(t, 23, rec.Facility)
	assert.Equal(t, 7, rec.Severity)

	rec = ParseSyslogLine("<999>not a real priority", parseNow, "fallback")
	assert.Equal(t, defaultSeverity, rec.Severity)
}
