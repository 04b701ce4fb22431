package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/util"
)

type fakeTaskQueue struct {
	mu         sync.Mutex
	published  []TaskMessage
	publishErr error
	received   []*TaskMessage
	receives   int
	acked      []string
	nacked     map[string]string
	quarantine bool
}

func (q *fakeTaskQueue) Publish(_ context.Context, msgs []TaskMessage) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return 0, q.publishErr
	}
	q.published = append(q.published, msgs...)
	return len(msgs), nil
}

func (q *fakeTaskQueue) Receive(_ context.Context, _ string) (*TaskMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.receives++
	if len(q.received) == 0 {
		return nil, nil
	}
	msg := q.received[0]
	q.received = q.received[1:]
	return msg, nil
}

func (q *fakeTaskQueue) Ack(_ context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, taskID)
	return nil
}

func (q *fakeTaskQueue) Nack(_ context.Context, taskID, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.nacked == nil {
		q.nacked = make(map[string]string)
	}
	q.nacked[taskID] = reason
	return q.quarantine, nil
}

type fakeSource struct {
	candidates map[string][]string
	err        error
	failures   int // fail this many calls before succeeding
}

func (s *fakeSource) ListCandidates(_ context.Context, date time.Time) ([]string, error) {
	if s.failures > 0 {
		s.failures--
		return nil, TransientInfra("list candidates", errors.New("origin down"))
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.candidates[date.Format(DateFormat)], nil
}

type fakeNotifier struct {
	mu          sync.Mutex
	quarantines []string
	workFailed  []string
}

func (n *fakeNotifier) NotifyQuarantine(_ context.Context, taskID, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.quarantines = append(n.quarantines, taskID)
}

func (n *fakeNotifier) NotifyWorkFailed(_ context.Context, date, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.workFailed = append(n.workFailed, date)
}

func mustFingerprint(t *testing.T, url string) string {
	t.Helper()
	fp, err := util.FingerprintURL(url)
	require.NoError(t, err)
	return fp
}

func TestEmitterPublishesNewCandidatesOnly(t *testing.T) {
	t.Parallel()

	date := day("2025-03-01")
	knownURL := "https://bbc.com/news/articles/known"
	newURL := "https://bbc.com/news/articles/new"

	oracle := &fakeOracle{exists: map[string]bool{
		mustFingerprint(t, knownURL): true,
	}}
	source := &fakeSource{candidates: map[string][]string{
		"2025-03-01": {knownURL, newURL},
	}}
	workQueue := &fakeWorkQueue{}
	taskQueue := &fakeTaskQueue{}

	e := NewEmitter(workQueue, taskQueue, oracle, source, nil, 1)
	item := &WorkItem{ID: "item-1", Date: date, Status: WorkStatusClaimed}

	e.processItem(context.Background(), "emitter-0", item)

	require.Len(t, taskQueue.published, 1)
	assert.Equal(t, newURL, taskQueue.published[0].SourceURL)
	assert.Equal(t, mustFingerprint(t, newURL), taskQueue.published[0].ID)
	assert.Equal(t, []string{"item-1"}, workQueue.completed)
	assert.Empty(t, workQueue.failed)
}

func TestEmitterRetriesTransientDiscovery(t *testing.T) {
	t.Parallel()

	date := day("2025-03-01")
	source := &fakeSource{
		failures: 2,
		candidates: map[string][]string{
			"2025-03-01": {"https://bbc.com/news/articles/one"},
		},
	}
	workQueue := &fakeWorkQueue{}
	taskQueue := &fakeTaskQueue{}

	e := NewEmitter(workQueue, taskQueue, &fakeOracle{}, source, nil, 1)
	e.processItem(context.Background(), "emitter-0", &WorkItem{ID: "item-1", Date: date})

	// Two transient failures fit inside the local retry budget.
	assert.Len(t, taskQueue.published, 1)
	assert.Equal(t, []string{"item-1"}, workQueue.completed)
}

func TestEmitterFailsItemWhenDiscoveryKeepsFailing(t *testing.T) {
	t.Parallel()

	date := day("2025-03-01")
	source := &fakeSource{failures: 10}
	workQueue := &fakeWorkQueue{}
	taskQueue := &fakeTaskQueue{}

	e := NewEmitter(workQueue, taskQueue, &fakeOracle{}, source, nil, 1)
	e.processItem(context.Background(), "emitter-0", &WorkItem{ID: "item-1", Date: date})

	assert.Empty(t, taskQueue.published)
	assert.Empty(t, workQueue.completed)
	assert.Contains(t, workQueue.failed, "item-1")
}

func TestEmitterNotifiesWhenItemRetired(t *testing.T) {
	t.Parallel()

	date := day("2025-03-01")
	source := &fakeSource{failures: 10}
	workQueue := &fakeWorkQueue{retireOnFail: true}
	notifier := &fakeNotifier{}

	e := NewEmitter(workQueue, &fakeTaskQueue{}, &fakeOracle{}, source, notifier, 1)
	e.processItem(context.Background(), "emitter-0", &WorkItem{ID: "item-1", Date: date})

	assert.Equal(t, []string{"2025-03-01"}, notifier.workFailed)
}

func TestEmitterPoolDrainsQueue(t *testing.T) {
	t.Parallel()

	date := day("2025-03-01")
	source := &fakeSource{candidates: map[string][]string{
		"2025-03-01": {"https://bbc.com/news/articles/one"},
	}}
	workQueue := &fakeWorkQueue{claims: []*WorkItem{
		{ID: "item-1", Date: date, Status: WorkStatusClaimed},
	}}
	taskQueue := &fakeTaskQueue{}

	e := NewEmitter(workQueue, taskQueue, &fakeOracle{}, source, nil, 2)
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	require.Eventually(t, func() bool {
		taskQueue.mu.Lock()
		defer taskQueue.mu.Unlock()
		return len(taskQueue.published) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	e.Stop()
	assert.Equal(t, []string{"item-1"}, workQueue.completed)
}
