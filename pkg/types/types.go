package types

import (
	"encoding/json"
	"math"
	"time"
)

// LogEvent represents one accepted connection extracted from the access log
type LogEvent struct {
	Timestamp   time.Time
	NodeID      string
	NodeName    string
	Email       string
	ClientIP    string
	RawLine     string // Trimmed source line
	ProcessedAt time.Time
}

// record is the wire representation pushed to the central queue
type record struct {
	Timestamp   float64 `json:"timestamp"`
	NodeID      string  `json:"node_id"`
	NodeName    string  `json:"node_name"`
	Email       string  `json:"email"`
	ClientIP    string  `json:"client_ip"`
	RawLine     string  `json:"raw_line"`
	ProcessedAt float64 `json:"processed_at"`
}

// MarshalJSON encodes the event in the queue wire format, with both times
// as Unix seconds.
func (e *LogEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{
		Timestamp:   UnixSeconds(e.Timestamp),
		NodeID:      e.NodeID,
		NodeName:    e.NodeName,
		Email:       e.Email,
		ClientIP:    e.ClientIP,
		RawLine:     e.RawLine,
		ProcessedAt: UnixSeconds(e.ProcessedAt),
	})
}

// UnmarshalJSON decodes an event from the queue wire format
func (e *LogEvent) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}

	*e = LogEvent{
		Timestamp:   FromUnixSeconds(r.Timestamp),
		NodeID:      r.NodeID,
		NodeName:    r.NodeName,
		Email:       r.Email,
		ClientIP:    r.ClientIP,
		RawLine:     r.RawLine,
		ProcessedAt: FromUnixSeconds(r.ProcessedAt),
	}
	return nil
}

// UnixSeconds converts t to fractional seconds since the epoch
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnixSeconds is the inverse of UnixSeconds, with microsecond precision
func FromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}
