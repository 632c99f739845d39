package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSJobMessage carries a job snapshot. Type is progress while the job
// runs and complete or error once it is terminal.
type WSJobMessage struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
	Job   *Job   `json:"job"`
}
