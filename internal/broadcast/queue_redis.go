package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"genbot/pkg/logx"
)

// redisQueue keeps ready tickets in a list and leased tickets in a sorted set
// scored by lease deadline. Members are the JSON-encoded tickets.
type redisQueue struct {
	client      redis.UniversalClient
	log         logx.Logger
	readyKey    string
	inflightKey string
	lease       time.Duration
	poll        time.Duration
}

func newRedisQueue(cfg QueueConfig, log logx.Logger) *redisQueue {
	log.Info("broadcast queue opened", logx.String("backend", "redis"), logx.String("prefix", cfg.Prefix))
	return &redisQueue{
		client:      cfg.Redis,
		log:         log,
		readyKey:    cfg.Prefix + ":broadcast:ready",
		inflightKey: cfg.Prefix + ":broadcast:inflight",
		lease:       cfg.Lease,
		poll:        cfg.PollInterval,
	}
}

func (q *redisQueue) Enqueue(ctx context.Context, jobID string) (Ticket, error) {
	t := Ticket{ID: uuid.NewString(), JobID: jobID, EnqueuedAt: time.Now().UTC()}
	raw, err := json.Marshal(t)
	if err != nil {
		return Ticket{}, err
	}
	if err := q.client.RPush(ctx, q.readyKey, raw).Err(); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

// dequeueScript pops the oldest ready ticket and leases it atomically.
var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

// requeueScript moves leased members due by ARGV[1] back to the ready list.
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
return #ids
`)

func (q *redisQueue) next(ctx context.Context) (Ticket, bool, error) {
	deadline := time.Now().Add(q.lease).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return Ticket{}, false, nil
	}
	if err != nil {
		return Ticket{}, false, err
	}
	raw, ok := res.(string)
	if !ok {
		return Ticket{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	var t Ticket
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		// Unreadable members would loop forever; drop them.
		q.log.Error("dropping malformed ticket", logx.String("raw", raw), logx.Err(err))
		_ = q.client.ZRem(ctx, q.inflightKey, raw).Err()
		return Ticket{}, false, nil
	}
	t.raw = raw
	return t, true, nil
}

func (q *redisQueue) Consume(ctx context.Context, h Handler) error {
	return consumeLoop(ctx, q.log, q.poll, q.lease, q.next, q.extend, q.ack, q.nack, h)
}

func (q *redisQueue) extend(ctx context.Context, t Ticket) error {
	deadline := float64(time.Now().Add(q.lease).UnixMilli())
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{Score: deadline, Member: t.raw}).Err()
}

func (q *redisQueue) ack(ctx context.Context, t Ticket) error {
	return q.client.ZRem(ctx, q.inflightKey, t.raw).Err()
}

// nack returns the ticket to the front of the ready list with its failure
// count. An expired lease requeues the member unchanged, as bolt does.
func (q *redisQueue) nack(ctx context.Context, t Ticket) error {
	next, err := json.Marshal(t)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, t.raw)
	pipe.LPush(ctx, q.readyKey, next)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *redisQueue) Reclaim(ctx context.Context) (int, error) {
	n, err := requeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, strconv.FormatInt(time.Now().UnixMilli(), 10)).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (q *redisQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	ready, err := q.client.LRange(ctx, q.readyKey, 0, -1).Result()
	if err != nil {
		return false, err
	}
	leased, err := q.client.ZRange(ctx, q.inflightKey, 0, -1).Result()
	if err != nil {
		return false, err
	}
	for _, raw := range append(ready, leased...) {
		var t Ticket
		if json.Unmarshal([]byte(raw), &t) == nil && t.JobID == jobID {
			return true, nil
		}
	}
	return false, nil
}

func (q *redisQueue) Len(ctx context.Context) (int, error) {
	pipe := q.client.Pipeline()
	l := pipe.LLen(ctx, q.readyKey)
	z := pipe.ZCard(ctx, q.inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(l.Val() + z.Val()), nil
}

// Close leaves the shared client open; its owner closes it.
func (q *redisQueue) Close() error { return nil }
