// Package fetch implements the incremental mail-retrieval worker: UIDL
// diff against the stored cursor, RETR of the new suffix, MIME parsing and
// idempotent persistence.
package fetch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/themadorg/madgate/internal/config"
	"github.com/themadorg/madgate/internal/exterrors"
	"github.com/themadorg/madgate/internal/mailparse"
	"github.com/themadorg/madgate/internal/metrics"
	"github.com/themadorg/madgate/internal/pop3"
	"github.com/themadorg/madgate/internal/store"
)

// parseParallelism bounds concurrent MIME parsing within one job.
const parseParallelism = 4

// Job asks for one incremental fetch of an inbox.
type Job struct {
	InboxID string
	// SinceUID overrides the stored cursor when set.
	SinceUID string
	// Limit caps this job below the configured maximum when set.
	Limit int
}

// Result reports what a job did.
type Result struct {
	Fetched  int
	Inserted int
	LastUID  string
}

// Queue runs fetch jobs over a fixed worker pool sized to the POP3 pool
// cap. Jobs for the same inbox are serialized by a keyed lock so two
// concurrent fetches can never interleave their cursor updates.
type Queue struct {
	store  *store.Store
	pool   *pop3.Pool
	parser *mailparse.Parser
	cfg    config.FetchSettings
	logger *zap.Logger

	jobs    chan Job
	wg      sync.WaitGroup
	perBox  *keyedMutex
	closing sync.Once
}

func NewQueue(st *store.Store, pool *pop3.Pool, parser *mailparse.Parser, cfg config.FetchSettings, logger *zap.Logger) *Queue {
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	return &Queue{
		store:  st,
		pool:   pool,
		parser: parser,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan Job, size),
		perBox: newKeyedMutex(),
	}
}

// Start launches the worker pool. Worker count equals the POP3 pool cap:
// more workers could never make progress anyway.
func (q *Queue) Start() {
	for i := 0; i < q.pool.Cap(); i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				if _, err := q.Run(context.Background(), job); err != nil {
					q.logger.Warn("background fetch failed",
						zap.String("inbox_id", job.InboxID),
						zap.Error(err))
				}
			}
		}()
	}
}

// Enqueue submits a job for background execution. Fails fast when the
// queue is full rather than blocking the caller.
func (q *Queue) Enqueue(job Job) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		return fmt.Errorf("fetch queue full (%d pending)", cap(q.jobs))
	}
}

// Stop drains the queue: submitted jobs finish, then workers exit.
func (q *Queue) Stop() {
	q.closing.Do(func() { close(q.jobs) })
	q.wg.Wait()
}

type fetchedRaw struct {
	uid string
	raw []byte
}

// Run executes one job synchronously. Per-message retrieval and parse
// failures are logged and skipped; the job persists whatever it could.
// Credential-level failures abort the job.
func (q *Queue) Run(ctx context.Context, job Job) (*Result, error) {
	unlock := q.perBox.lock(job.InboxID)
	defer unlock()

	inbox, err := q.store.GetInbox(ctx, job.InboxID)
	if err != nil {
		metrics.FetchJobs.WithLabelValues("error").Inc()
		return nil, err
	}
	if inbox.Status != store.InboxStatusActive {
		metrics.FetchJobs.WithLabelValues("error").Inc()
		return nil, exterrors.Newf(exterrors.Conflict, "inbox %s is not active", inbox.ID)
	}
	if inbox.POP3Host == "" {
		// Local-domain generated inbox: mail arrives via SMTP, there
		// is no upstream to pull from.
		metrics.FetchJobs.WithLabelValues("noop").Inc()
		return &Result{}, nil
	}

	username, password, err := q.store.Credentials(inbox)
	if err != nil {
		metrics.FetchJobs.WithLabelValues("error").Inc()
		return nil, err
	}

	sinceUID := job.SinceUID
	observed := inbox.LastSeenUID
	if sinceUID == "" && observed != nil {
		sinceUID = *observed
	}

	limit := q.cfg.MaxPerJob
	if job.Limit > 0 && job.Limit < limit {
		limit = job.Limit
	}

	var raws []fetchedRaw
	err = q.pool.Execute(ctx, pop3.Credentials{
		Host:     inbox.POP3Host,
		Port:     inbox.POP3Port,
		TLS:      inbox.POP3TLS,
		Username: username,
		Password: password,
	}, func(client *pop3.Client) error {
		// The pool re-runs this closure on retry; drop anything a failed
		// attempt collected.
		raws = raws[:0]

		listing, err := client.Uidl()
		if err != nil {
			return err
		}

		candidates := sliceAfter(listing, sinceUID)
		if len(candidates) > limit {
			candidates = candidates[:limit]
		}

		for _, entry := range candidates {
			raw, err := client.Retr(entry.Num)
			if err != nil {
				// Skip the message, keep the session: a single
				// unreadable message must not abort the job.
				if _, recoverable := err.(*pop3.ProtocolError); recoverable {
					q.logger.Warn("RETR failed, skipping message",
						zap.String("inbox_id", inbox.ID),
						zap.String("uid", entry.UID),
						zap.Error(err))
					continue
				}
				return err
			}
			raws = append(raws, fetchedRaw{uid: entry.UID, raw: raw})
		}
		return nil
	})
	if err != nil {
		metrics.FetchJobs.WithLabelValues("error").Inc()
		return nil, exterrors.Wrap(exterrors.POP3, "mail retrieval failed", err)
	}

	parsed := q.parseAll(ctx, inbox.ID, raws)

	inserted, err := q.store.InsertMessages(ctx, inbox.ID, parsed)
	if err != nil {
		metrics.FetchJobs.WithLabelValues("error").Inc()
		return nil, err
	}

	result := &Result{Fetched: len(raws), Inserted: inserted}
	if len(raws) > 0 {
		result.LastUID = raws[len(raws)-1].uid
		if err := q.store.AdvanceCursor(ctx, inbox.ID, observed, result.LastUID); err != nil {
			metrics.FetchJobs.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	metrics.FetchJobs.WithLabelValues("success").Inc()
	metrics.MessagesIngested.WithLabelValues("pop3").Add(float64(inserted))
	return result, nil
}

// parseAll decodes the fetched raws with bounded parallelism, preserving
// fetch order in the result. Unparseable messages are logged and skipped.
func (q *Queue) parseAll(ctx context.Context, inboxID string, raws []fetchedRaw) []*mailparse.Parsed {
	slots := make([]*mailparse.Parsed, len(raws))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(parseParallelism)
	for i := range raws {
		g.Go(func() error {
			pm, err := q.parser.Parse(raws[i].raw, raws[i].uid)
			if err != nil {
				q.logger.Warn("message parse failed, skipping",
					zap.String("inbox_id", inboxID),
					zap.String("uid", raws[i].uid),
					zap.Error(err))
				return nil
			}
			slots[i] = pm
			return nil
		})
	}
	g.Wait()

	parsed := make([]*mailparse.Parsed, 0, len(slots))
	for _, pm := range slots {
		if pm != nil {
			parsed = append(parsed, pm)
		}
	}
	return parsed
}

// sliceAfter returns the UIDL suffix strictly after sinceUID. When the
// cursor is empty or the provider no longer lists it (initial fetch or UID
// reset), the whole listing is a candidate.
func sliceAfter(listing []pop3.UidlEntry, sinceUID string) []pop3.UidlEntry {
	if sinceUID == "" {
		return listing
	}
	for i, entry := range listing {
		if entry.UID == sinceUID {
			return listing[i+1:]
		}
	}
	return listing
}

// keyedMutex serializes callers sharing a key. Entries are refcounted so
// the map does not grow with every inbox ever fetched.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
