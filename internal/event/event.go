// Package event defines the wire-format envelope broadcast to streaming
// clients, the closed set of event types, and the text framing used on the
// stream.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// Type classifies an envelope. The set is closed; anything outside it is
// rejected at the edges (connect parameters, publish calls).
type Type string

const (
	TypeErrorOccurred    Type = "error_occurred"
	TypeErrorResolved    Type = "error_resolved"
	TypeServiceStatus    Type = "service_status_changed"
	TypeConnectionStatus Type = "connection_status_changed"
	TypeBulkErrors       Type = "bulk_errors"
	TypeHeartbeat        Type = "heartbeat"
)

var allTypes = []Type{
	TypeErrorOccurred,
	TypeErrorResolved,
	TypeServiceStatus,
	TypeConnectionStatus,
	TypeBulkErrors,
	TypeHeartbeat,
}

// AllTypes returns every known event type. Connections that request no
// explicit subscriptions receive all of them.
func AllTypes() []Type {
	out := make([]Type, len(allTypes))
	copy(out, allTypes)
	return out
}

// ParseType validates a type tag received from the outside.
func ParseType(s string) (Type, error) {
	t := Type(s)
	for _, known := range allTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// IsError reports whether t describes an error-lifecycle event. Only these
// are retained in session replay buffers.
func (t Type) IsError() bool {
	return t == TypeErrorOccurred || t == TypeErrorResolved
}

// Severity grades a published event. It travels inside the payload, not as a
// frame field.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a severity tag; the empty string maps to info.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case "":
		return SeverityInfo, nil
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Envelope is the immutable unit of data published and delivered. SessionID
// scopes delivery and buffering; it is not itself a frame field.
type Envelope struct {
	Type      Type
	Timestamp time.Time
	Data      map[string]any
	ID        string // optional correlation id, stable per error lifetime
	RetryMS   int    // optional client reconnect hint, milliseconds
	SessionID string
}

// payload builds the JSON object written on the data line: the envelope
// timestamp merged over the opaque payload fields.
func (e Envelope) payload() ([]byte, error) {
	merged := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		merged[k] = v
	}
	merged["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return json.Marshal(merged)
}

// WriteFrame writes the envelope in stream framing:
//
//	id: <id>            (omitted if absent)
//	event: <type>
//	data: <json>
//	retry: <ms>         (omitted if absent)
//	<blank line>
func WriteFrame(w io.Writer, e Envelope) error {
	data, err := e.payload()
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	var buf bytes.Buffer
	if e.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(e.ID)
		buf.WriteByte('\n')
	}
	buf.WriteString("event: ")
	buf.WriteString(string(e.Type))
	buf.WriteByte('\n')
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteByte('\n')
	if e.RetryMS > 0 {
		buf.WriteString("retry: ")
		buf.WriteString(strconv.Itoa(e.RetryMS))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err = w.Write(buf.Bytes())
	return err
}

// EncodeFrame returns the framed envelope as a byte slice, for sinks that
// hand whole frames to a transport.
func EncodeFrame(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SortTypes orders a subscription set for stable presentation (connect acks,
// logs). The input is not modified.
func SortTypes(types []Type) []Type {
	out := make([]Type, len(types))
	copy(out, types)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
