package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var syslogNow = time.Date(2024, time.October, 20, 12, 0, 0, 0, time.UTC)

func TestParseSyslog_RFC3164(t *testing.T) {
	payload := []byte(`<34>Oct 11 22:14:15 mymachine su: 'su root' failed for lonvick on /dev/pts/8`)

	msg, err := parseSyslog(payload, syslogNow)
	require.NoError(t, err)

	assert.Equal(t, 4, msg.Facility)
	assert.Equal(t, 2, msg.Severity)
	assert.Equal(t, "mymachine", msg.Host)
	assert.Equal(t, "su", msg.App)
	assert.Equal(t, "'su root' failed for lonvick on /dev/pts/8", msg.Message)
	assert.Equal(t, time.Date(2024, time.October, 11, 22, 14, 15, 0, time.UTC), msg.Timestamp)
}

func TestParseSyslog_RFC3164WithPID(t *testing.T) {
	msg, err := parseSyslog([]byte("<13>Feb  5 17:32:18 web01 nginx[4121]: upstream timed out"), syslogNow)
	require.NoError(t, err)

	assert.Equal(t, "web01", msg.Host)
	assert.Equal(t, "nginx", msg.App)
	assert.Equal(t, "4121", msg.ProcID)
	assert.Equal(t, "upstream timed out", msg.Message)
}

func TestParseSyslog_NoPriority(t *testing.T) {
	msg, err := parseSyslog([]byte("Oct 11 22:14:15 host cron: job done"), syslogNow)
	require.NoError(t, err)

	// Default PRI 13: facility user, severity notice.
	assert.Equal(t, 1, msg.Facility)
	assert.Equal(t, 5, msg.Severity)
	assert.Equal(t, "host", msg.Host)
}

func TestParseSyslog_RFC5424(t *testing.T) {
	payload := []byte(`<165>1 2003-10-11T22:14:15.003Z mymachine.example.com evntslog 123 ID47 [exampleSDID@32473 iut="3" eventSource="Application"] An application event log entry`)

	msg, err := parseSyslog(payload, syslogNow)
	require.NoError(t, err)

	assert.Equal(t, 20, msg.Facility)
	assert.Equal(t, 5, msg.Severity)
	assert.Equal(t, "mymachine.example.com", msg.Host)
	assert.Equal(t, "evntslog", msg.App)
	assert.Equal(t, "123", msg.ProcID)
	assert.Equal(t, "ID47", msg.MsgID)
	assert.Equal(t, "An application event log entry", msg.Message)
	assert.Equal(t, time.Date(2003, time.October, 11, 22, 14, 15, 3_000_000, time.UTC), msg.Timestamp)

	require.Contains(t, msg.Structured, "exampleSDID@32473")
	assert.Equal(t, "3", msg.Structured["exampleSDID@32473"]["iut"])
	assert.Equal(t, "Application", msg.Structured["exampleSDID@32473"]["eventSource"])
}

func TestParseSyslog_RFC5424NilFields(t *testing.T) {
	msg, err := parseSyslog([]byte("<34>1 2003-10-11T22:14:15.003Z host app - - - hello"), syslogNow)
	require.NoError(t, err)

	assert.Equal(t, "host", msg.Host)
	assert.Equal(t, "app", msg.App)
	assert.Empty(t, msg.ProcID)
	assert.Empty(t, msg.MsgID)
	assert.Empty(t, msg.Structured)
	assert.Equal(t, "hello", msg.Message)
}

func TestParseSyslog_RFC5424EscapedStructuredData(t *testing.T) {
	msg, err := parseSyslog([]byte(`<34>1 - host app - - [sd@1 v="say \"hi\" [ok\]"] m`), syslogNow)
	require.NoError(t, err)

	assert.Equal(t, `say "hi" [ok]`, msg.Structured["sd@1"]["v"])
	assert.Equal(t, "m", msg.Message)
}

func TestParseSyslog_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		reason  string
	}{
		{"empty", "", "empty"},
		{"whitespace only", "  \n", "empty"},
		{"priority out of range", "<999>1 - h a - - - m", "bad_pri"},
		{"priority not numeric", "<ab>whatever", "bad_pri"},
		{"unterminated priority", "<34 message", "bad_pri"},
		{"5424 short header", "<34>1 2003-10-11T22:14:15Z host", "bad_header"},
		{"5424 bad timestamp", "<34>1 yesterday host app - - - m", "bad_timestamp"},
		{"5424 unterminated sd", `<34>1 - h a - - [sd@1 k="v" m`, "bad_sd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSyslog([]byte(tt.payload), syslogNow)
			require.Error(t, err)
			assert.Equal(t, tt.reason, Reason(err))
		})
	}
}

func TestAnchorYear_DecemberInJanuary(t *testing.T) {
	now := time.Date(2025, time.January, 2, 3, 0, 0, 0, time.UTC)
	ts, err := time.Parse(rfc3164TimeLayout, "Dec 31 23:59:59")
	require.NoError(t, err)

	anchored := anchorYear(ts, now)
	assert.Equal(t, 2024, anchored.Year())
}

func TestSyslogSeverityLevel(t *testing.T) {
	tests := []struct {
		severity int
		level    string
	}{
		{0, "critical"}, {1, "critical"}, {2, "critical"},
		{3, "error"},
		{4, "warn"},
		{5, "info"}, {6, "info"},
		{7, "debug"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.level, syslogSeverityLevel(tt.severity), "severity %d", tt.severity)
	}
}

func TestSyslogFacilityName(t *testing.T) {
	assert.Equal(t, "kern", syslogFacilityName(0))
	assert.Equal(t, "auth", syslogFacilityName(4))
	assert.Equal(t, "auth", syslogFacilityName(10))
	assert.Equal(t, "local0", syslogFacilityName(16))
	assert.Equal(t, "local7", syslogFacilityName(23))
	assert.Equal(t, "facility13", syslogFacilityName(13))
}
