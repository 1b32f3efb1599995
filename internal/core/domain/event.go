package domain

import "time"

// EventType names a batch stream event.
type EventType string

const (
	EventTypeStatus   EventType = "status"
	EventTypeItem     EventType = "item"
	EventTypeComplete EventType = "complete"
)

// ItemStatus is the terminal result of one batch item.
type ItemStatus string

const (
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
)

// Progress is the running count of resolved items.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// StatusEvent reports a batch phase transition.
type StatusEvent struct {
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
}

// ItemEvent reports one job's terminal result.
type ItemEvent struct {
	Index        int        `json:"index"`
	JobID        string     `json:"job_id"`
	Status       ItemStatus `json:"status"`
	ResultRef    string     `json:"result_ref,omitempty"`
	Error        string     `json:"error,omitempty"`
	CredentialID string     `json:"credential_id,omitempty"`
	Progress     Progress   `json:"progress"`
}

// CompleteEvent summarizes a finished batch.
type CompleteEvent struct {
	BatchID    string `json:"batch_id"`
	Total      int    `json:"total"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	DurationMs int64  `json:"duration_ms"`
}

// Event is one frame of a batch stream.
type Event struct {
	Type      EventType `json:"type"`
	BatchID   string    `json:"batch_id"`
	Seq       int       `json:"seq"`
	EmittedAt time.Time `json:"emitted_at"`
	Data      any       `json:"data"`
}
