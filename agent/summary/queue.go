package summary

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/udahub-support-orchestrator/agent/contract"
	qstashx "github.com/tanpawarit/udahub-support-orchestrator/pkg/qstash"
)

type Config struct {
	Workers    int           `split_words:"true" default:"2"`
	QueueSize  int           `split_words:"true" default:"64"`
	KeepRecent int           `split_words:"true" default:"4"`
	Timeout    time.Duration `split_words:"true" default:"30s"`
}

// WorkerQueue runs summaries in-process on a fixed pool. Tasks arriving
// while the buffer is full are dropped; the next turn enqueues again.
type WorkerQueue struct {
	summarizer *Summarizer
	tasks      chan contractx.SummaryTask
	timeout    time.Duration
	wg         sync.WaitGroup
	closeOnce  sync.Once
	mu         sync.RWMutex
	closed     bool
}

var _ contractx.SummaryQueue = (*WorkerQueue)(nil)

func NewWorkerQueue(summarizer *Summarizer, cfg Config) *WorkerQueue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	q := &WorkerQueue{
		summarizer: summarizer,
		tasks:      make(chan contractx.SummaryTask, size),
		timeout:    timeout,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

func (q *WorkerQueue) Enqueue(ctx context.Context, task contractx.SummaryTask) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.tasks <- task:
	default:
		log.Warn().Str("session_id", task.SessionID).Int64("version", task.Version).Msg("summary queue full, task dropped")
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (q *WorkerQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.tasks)
		q.mu.Unlock()
	})
	q.wg.Wait()
}

func (q *WorkerQueue) work() {
	defer q.wg.Done()
	for task := range q.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		applied, err := q.summarizer.Run(ctx, task)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("session_id", task.SessionID).Msg("summarize session failed")
			continue
		}
		log.Debug().Str("session_id", task.SessionID).Bool("applied", applied).Msg("summary task done")
	}
}

// Publisher is the part of the QStash client the queue needs.
type Publisher interface {
	Publish(ctx context.Context, destination string, body any) (string, error)
}

var _ Publisher = (*qstashx.Client)(nil)

// QStashQueue hands tasks to QStash, which calls back CallbackURL with the
// task as JSON body.
type QStashQueue struct {
	publisher   Publisher
	callbackURL string
}

var _ contractx.SummaryQueue = (*QStashQueue)(nil)

func NewQStashQueue(publisher Publisher, callbackURL string) *QStashQueue {
	return &QStashQueue{publisher: publisher, callbackURL: callbackURL}
}

func (q *QStashQueue) Enqueue(ctx context.Context, task contractx.SummaryTask) {
	// Publishing outlives the request that triggered it.
	ctx = context.WithoutCancel(ctx)
	id, err := q.publisher.Publish(ctx, q.callbackURL, task)
	if err != nil {
		log.Warn().Err(err).Str("session_id", task.SessionID).Msg("publish summary task failed")
		return
	}
	log.Debug().Str("session_id", task.SessionID).Str("message_id", id).Msg("summary task published")
}

// NoopQueue discards tasks.
type NoopQueue struct{}

func (NoopQueue) Enqueue(context.Context, contractx.SummaryTask) {}
