package pipeline

import (
	"context"
	"time"
)

// WorkQueue is the durable backlog of per-date work items.
type WorkQueue interface {
	EnqueueDates(ctx context.Context, dates []time.Time) (int, error)
	Claim(ctx context.Context, workerID string) (*WorkItem, error)
	Complete(ctx context.Context, workerID, itemID string) error
	Fail(ctx context.Context, workerID, itemID, reason string) (retired bool, err error)
}

// TaskQueue is the delivery queue between the emitter and the processors.
type TaskQueue interface {
	Publish(ctx context.Context, msgs []TaskMessage) (int, error)
	Receive(ctx context.Context, workerID string) (*TaskMessage, error)
	Ack(ctx context.Context, taskID string) error
	Nack(ctx context.Context, taskID, reason string) (quarantined bool, err error)
}

// Oracle answers existence and per-date count questions against the store of
// already-ingested records.
type Oracle interface {
	Exists(ctx context.Context, key string) (bool, error)
	CountFor(ctx context.Context, date time.Time) (int, error)
}

// CandidateSource discovers the article links published on a calendar date.
type CandidateSource interface {
	ListCandidates(ctx context.Context, date time.Time) ([]string, error)
}

// ArticleFetcher retrieves and parses one article page.
type ArticleFetcher interface {
	FetchArticle(ctx context.Context, sourceURL string, date time.Time) (*Article, error)
}

// RawWriter persists the untouched scrape payload.
type RawWriter interface {
	Save(ctx context.Context, article *Article) error
}

// CleanWriter persists the transformed record.
type CleanWriter interface {
	Upsert(ctx context.Context, article *Article) error
}

// Notifier raises operator alerts. Implementations must tolerate being
// unconfigured and swallow their own delivery failures.
type Notifier interface {
	NotifyQuarantine(ctx context.Context, taskID, sourceURL, reason string)
	NotifyWorkFailed(ctx context.Context, date, reason string)
}
