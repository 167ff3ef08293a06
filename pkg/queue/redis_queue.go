package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"agentregistry/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job tracks the cleanup of one orphaned blob: a blob that was uploaded but
// never referenced by a persisted record.
type Job struct {
	ID           string    `json:"id"`
	Blob         string    `json:"blob"`
	Reason       string    `json:"reason,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes one job. A non-nil error schedules a retry until the
// attempt budget is spent.
type Handler func(context.Context, Job) error

// RedisOrphanQueue is a Redis Streams backed queue of orphaned blob names.
type RedisOrphanQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	groupOnce    sync.Once
	groupErr     error
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisOrphanQueue(cfg RedisQueueConfig) (*RedisOrphanQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "orphan-sweeper"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	return &RedisOrphanQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       durationOr(cfg.JobTTL, 7*24*time.Hour),
		maxRetries:   intOr(cfg.MaxRetries, 5),
		block:        durationOr(cfg.Block, 5*time.Second),
		claimIdle:    durationOr(cfg.ClaimIdle, time.Minute),
		retryDelay:   durationOr(cfg.RetryDelay, 2*time.Second),
		maxLen:       int64Or(cfg.MaxLen, 100000),
		readCount:    int64Or(cfg.ReadCount, 20),
		claimCount:   int64Or(cfg.ClaimCount, 20),
	}, nil
}

func durationOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func int64Or(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}

// Ping checks the Redis connection.
func (q *RedisOrphanQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisOrphanQueue) Close() error {
	return q.client.Close()
}

// Enqueue records blob as orphaned and schedules it for deletion.
func (q *RedisOrphanQueue) Enqueue(ctx context.Context, blob, reason string) (Job, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return Job{}, errors.New("blob name required")
	}
	now := time.Now().UTC()
	job := Job{
		ID:        util.NewID(),
		Blob:      blob,
		Reason:    reason,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id": job.ID,
			"blob":   job.Blob,
		},
	}).Err(); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisOrphanQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start runs concurrency consumers until ctx is cancelled.
func (q *RedisOrphanQueue) Start(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
	return nil
}

// Drain processes every job currently in the stream, including retries, and
// returns once the stream has nothing left to deliver. It reports how many
// messages were handled.
func (q *RedisOrphanQueue) Drain(ctx context.Context, handler Handler) (int, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return 0, err
	}
	consumer := q.consumerBase + "-drain"
	handled := 0
	for {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		msgs, err := q.claimPending(ctx, consumer)
		if err != nil {
			return handled, err
		}
		fresh, err := q.readNew(ctx, consumer, -1)
		if err != nil {
			return handled, err
		}
		msgs = append(msgs, fresh...)
		if len(msgs) == 0 {
			return handled, nil
		}
		for _, msg := range msgs {
			q.handleMessage(ctx, msg, handler)
			handled++
		}
	}
}

// ensureGroup creates the consumer group from the start of the stream so
// jobs enqueued before the first consumer are still delivered.
func (q *RedisOrphanQueue) ensureGroup(ctx context.Context) error {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("create consumer group: %w", err)
		}
	})
	return q.groupErr
}

func (q *RedisOrphanQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}
		msgs, err := q.readNew(ctx, consumer, q.block)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.retryDelay):
			}
			continue
		}
		for _, msg := range msgs {
			q.handleMessage(ctx, msg, handler)
		}
	}
}

// readNew reads undelivered messages. A negative block returns immediately.
func (q *RedisOrphanQueue) readNew(ctx context.Context, consumer string, block time.Duration) ([]redis.XMessage, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    q.readCount,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []redis.XMessage
	for _, stream := range streams {
		out = append(out, stream.Messages...)
	}
	return out, nil
}

func (q *RedisOrphanQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisOrphanQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	blob, _ := msg.Values["blob"].(string)
	if jobID == "" || blob == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, blob)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	err = handler(ctx, job)
	if err == nil {
		_ = q.markDone(ctx, jobID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxRetries {
		_ = q.markFailed(ctx, jobID, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_ = q.markQueued(ctx, jobID, err.Error())
	select {
	case <-ctx.Done():
		return
	case <-time.After(q.retryDelay):
	}
	_ = q.requeueAndAck(ctx, msg.ID, jobID, blob)
}

func (q *RedisOrphanQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisOrphanQueue) requeueAndAck(ctx context.Context, msgID, jobID, blob string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id": jobID,
			"blob":   blob,
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisOrphanQueue) markProcessing(ctx context.Context, jobID, blob string) (Job, error) {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job = Job{ID: jobID}
	}
	job.Blob = blob
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisOrphanQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	return q.transition(ctx, jobID, StatusQueued, errMsg)
}

func (q *RedisOrphanQueue) markDone(ctx context.Context, jobID string) error {
	return q.transition(ctx, jobID, StatusDone, "")
}

func (q *RedisOrphanQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	return q.transition(ctx, jobID, StatusFailed, errMsg)
}

func (q *RedisOrphanQueue) transition(ctx context.Context, jobID, status, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisOrphanQueue) writeStatus(ctx context.Context, job Job) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":        job.ID,
		"blob":      job.Blob,
		"reason":    job.Reason,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisOrphanQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{
		ID:           jobID,
		Blob:         data["blob"],
		Reason:       data["reason"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}
