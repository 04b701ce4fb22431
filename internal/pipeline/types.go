package pipeline

import (
	"time"
)

// WorkStatus represents the current status of a work item (one calendar
// date's scraping scope).
type WorkStatus string

const (
	WorkStatusPending   WorkStatus = "pending"
	WorkStatusClaimed   WorkStatus = "claimed"
	WorkStatusCompleted WorkStatus = "completed"
	WorkStatusFailed    WorkStatus = "failed"
)

// TaskStatus represents the current status of a task message on the queue.
type TaskStatus string

const (
	TaskStatusReady       TaskStatus = "ready"
	TaskStatusDelivered   TaskStatus = "delivered"
	TaskStatusQuarantined TaskStatus = "quarantined"
)

// DateFormat is the canonical wire format for work item dates.
const DateFormat = "2006-01-02"

// WorkItem represents one day's scraping scope in the work queue.
type WorkItem struct {
	ID             string     `json:"id"`
	Date           time.Time  `json:"date"`
	Status         WorkStatus `json:"status"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimedAt      time.Time  `json:"claimed_at,omitempty"`
	LeaseExpiresAt time.Time  `json:"lease_expires_at,omitempty"`
	RetryCount     int        `json:"retry_count"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    time.Time  `json:"completed_at,omitempty"`
}

// DateString returns the item's date in YYYY-MM-DD form.
func (w *WorkItem) DateString() string {
	return w.Date.Format(DateFormat)
}

// TaskMessage represents one article link queued for transformation.
// ID is a stable fingerprint of the canonicalised source URL, so redelivery
// of the same message never creates a duplicate stored record.
type TaskMessage struct {
	ID                string     `json:"id"`
	Date              time.Time  `json:"date"`
	SourceURL         string     `json:"source_url"`
	Status            TaskStatus `json:"status"`
	Attempt           int        `json:"attempt"`
	NotBefore         time.Time  `json:"not_before,omitempty"`
	DeliveryExpiresAt time.Time  `json:"delivery_expires_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	EnqueuedAt        time.Time  `json:"enqueued_at"`
	DeliveredAt       time.Time  `json:"delivered_at,omitempty"`
}

// DLQEntry is a quarantined task message plus its failure context. Entries
// are created only by the retry state machine and removed only by explicit
// operator action.
type DLQEntry struct {
	TaskID     string     `json:"task_id"`
	Date       time.Time  `json:"date"`
	SourceURL  string     `json:"source_url"`
	Attempt    int        `json:"attempt"`
	LastError  string     `json:"last_error"`
	FailedAt   time.Time  `json:"failed_at"`
	RedrivenAt *time.Time `json:"redriven_at,omitempty"`
}

// Article is the transformed record written to the structured store,
// and (as raw payload) to the raw artifact store.
type Article struct {
	ID            string    `json:"id"`
	SourceURL     string    `json:"source_url"`
	Title         string    `json:"title"`
	Category      string    `json:"category,omitempty"`
	SubCategory   string    `json:"sub_category,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	Content       string    `json:"content"`
	PublishedDate time.Time `json:"published_date"`
	ScrapedAt     time.Time `json:"scraped_at"`
}

// Day truncates t to midnight UTC. Work item dates are always stored this way
// so the same calendar date enumerated twice compares equal.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
