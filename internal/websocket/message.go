// Package websocket implements the real-time pub/sub hub that pushes scan
// lifecycle events to connected clients. It uses gorilla/websocket under the
// hood and exposes a topic-based broadcast API consumed by the scan lifecycle
// engine.
//
// Topic naming convention:
//
//	scans        — every scan's lifecycle transitions (firehose)
//	scan:<uuid>  — updates for one specific scan
package websocket

// MessageType identifies the kind of event carried by a Message. Clients
// dispatch on this field.
type MessageType string

const (
	// MsgScanCreated is sent once when a scan record is inserted, before
	// any GMP work starts.
	MsgScanCreated MessageType = "scan.created"

	// MsgScanStatus is sent on every poll-loop transition with the
	// scanner's verbatim status text and progress.
	MsgScanStatus MessageType = "scan.status"

	// MsgScanCompleted is sent when a scan reaches a terminal state,
	// carrying the final status, the summary when one was collected, and
	// the error text when the scan failed.
	MsgScanCompleted MessageType = "scan.completed"

	// MsgPing is sent by the hub periodically to keep the connection alive
	// and let the client detect stale connections.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"type":"scan.status","topic":"scan:018f...","payload":{"gvm_status":"Running","gvm_progress":50}}
type Message struct {
	// Type identifies the kind of event so the client can route it.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - scan.created:   {"scan_id":"...","target":"...","probe_name":"..."}
	//   - scan.status:    {"scan_id":"...","gvm_status":"Running","gvm_progress":50}
	//   - scan.completed: {"scan_id":"...","gvm_status":"Done","summary":{...},"error":""}
	//   - ping:           {} (empty)
	Payload any `json:"payload"`
}

// ScanTopic returns the per-scan topic for a scan ID.
func ScanTopic(scanID string) string {
	return "scan:" + scanID
}

// TopicScans is the firehose topic carrying every scan's events.
const TopicScans = "scans"
