package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/nodeagent/pkg/types"
)

// TimestampLayout is the layout of the timestamp leading each access log line
const TimestampLayout = "2006/01/02 15:04:05"

// acceptMarker is matched case-insensitively anywhere in the line
const acceptMarker = "accepted"

var (
	emailPattern = regexp.MustCompile(`email:\s*([^\s,]+)`)

	// Octet ranges are not validated; 999.999.999.999 is accepted.
	clientIPPattern = regexp.MustCompile(`from\s+([0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3})`)

	timestampPattern = regexp.MustCompile(`^(\d{4}/\d{2}/\d{2})\s+(\d{2}:\d{2}:\d{2})`)
)

// Parser turns raw access log lines into LogEvents for a single node
type Parser struct {
	nodeID   string
	nodeName string
	now      func() time.Time
}

// New creates a parser stamping events with the given node identity
func New(nodeID, nodeName string) *Parser {
	return &Parser{
		nodeID:   nodeID,
		nodeName: nodeName,
		now:      time.Now,
	}
}

// Parse returns the event for line, or nil when the line is not an accepted connection
func (p *Parser) Parse(line string) *types.LogEvent {
	return Parse(line, p.nodeID, p.nodeName, p.now())
}

// Parse builds a LogEvent from a raw line. It returns nil if the line is
// empty, lacks the accept marker, or has no email or client IP. now is used
// as the processing time and as the event time when the line carries no
// parseable timestamp.
func Parse(line, nodeID, nodeName string, now time.Time) *types.LogEvent {
	line = strings.TrimSpace(line)
	if line == "" || !IsAccepted(line) {
		return nil
	}

	email, ok := ExtractEmail(line)
	if !ok {
		return nil
	}
	clientIP, ok := ExtractClientIP(line)
	if !ok {
		return nil
	}

	ts, ok := ExtractTimestamp(line)
	if !ok {
		ts = now
	}

	return &types.LogEvent{
		Timestamp:   ts,
		NodeID:      nodeID,
		NodeName:    nodeName,
		Email:       email,
		ClientIP:    clientIP,
		RawLine:     line,
		ProcessedAt: now,
	}
}

// IsAccepted reports whether the line records an accepted connection
func IsAccepted(line string) bool {
	return strings.Contains(strings.ToLower(line), acceptMarker)
}

// ExtractEmail returns the token following the first "email:" marker
func ExtractEmail(line string) (string, bool) {
	match := emailPattern.FindStringSubmatch(line)
	if match == nil || match[1] == "" {
		return "", false
	}
	return match[1], true
}

// ExtractClientIP returns the first dotted quad following "from"
func ExtractClientIP(line string) (string, bool) {
	match := clientIPPattern.FindStringSubmatch(line)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// ExtractTimestamp parses the leading "YYYY/MM/DD HH:MM:SS" timestamp in local time
func ExtractTimestamp(line string) (time.Time, bool) {
	match := timestampPattern.FindStringSubmatch(line)
	if match == nil {
		return time.Time{}, false
	}

	ts, err := time.ParseInLocation(TimestampLayout, match[1]+" "+match[2], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Validate reports whether every field of the event is populated
func Validate(event *types.LogEvent) bool {
	if event == nil {
		return false
	}
	return !event.Timestamp.IsZero() &&
		event.NodeID != "" &&
		event.NodeName != "" &&
		event.Email != "" &&
		event.ClientIP != "" &&
		event.RawLine != "" &&
		!event.ProcessedAt.IsZero()
}
