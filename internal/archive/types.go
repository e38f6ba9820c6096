package archive

import "time"

// EventRecord is one archived webhook event, written as a JSONL line.
type EventRecord struct {
	Version     string     `json:"version"` // "1.0"
	EventID     string     `json:"event_id"`
	OrgID       string     `json:"org_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	PhoneHash   string     `json:"phone_hash,omitempty"` // sha256 of the carrier phone hint
	Payload     string     `json:"payload"`              // PII scrubbed
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	S3Key       string `json:"s3_key"`
	RecordCount int    `json:"record_count"`
	Completed   int    `json:"completed"`
	DeadLetter  int    `json:"dead_letter"`
	OldestAt    string `json:"oldest_at"`
	NewestAt    string `json:"newest_at"`
	ArchivedAt  string `json:"archived_at"`
}
