package broadcast

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "github.com/boltdb/bolt"

	"genbot/pkg/logx"
)

var ticketsBucket = []byte("tickets")

// boltRecord is the stored form of a ticket. LeasedUntil is only meaningful
// inside the process holding the file lock; Open clears it.
type boltRecord struct {
	Ticket
	LeasedUntil int64 `json:"leased_until,omitempty"`
}

type boltQueue struct {
	db    *bolt.DB
	log   logx.Logger
	lease time.Duration
	poll  time.Duration
}

func openBoltQueue(cfg QueueConfig, log logx.Logger) (*boltQueue, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt queue: %w", err)
	}
	q := &boltQueue{db: db, log: log, lease: cfg.Lease, poll: cfg.PollInterval}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ticketsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	// Leases left by a previous process are void.
	released, err := q.release(0)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("broadcast queue opened", logx.String("backend", "bolt"), logx.String("path", cfg.Path), logx.Int("released", released))
	return q, nil
}

func putRecord(b *bolt.Bucket, k []byte, r boltRecord) error {
	v, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.Put(k, v)
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (q *boltQueue) Enqueue(ctx context.Context, jobID string) (Ticket, error) {
	var t Ticket
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ticketsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		t = Ticket{ID: strconv.FormatUint(seq, 10), JobID: jobID, EnqueuedAt: time.Now().UTC()}
		return putRecord(b, seqKey(seq), boltRecord{Ticket: t})
	})
	return t, err
}

// next leases the oldest ticket that is not leased.
func (q *boltQueue) next(ctx context.Context) (Ticket, bool, error) {
	var (
		t     Ticket
		found bool
	)
	now := time.Now()
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ticketsBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r boltRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.LeasedUntil > now.UnixMilli() {
				continue
			}
			r.LeasedUntil = now.Add(q.lease).UnixMilli()
			t, found = r.Ticket, true
			return putRecord(b, append([]byte(nil), k...), r)
		}
		return nil
	})
	return t, found, err
}

func (q *boltQueue) ack(ctx context.Context, t Ticket) error {
	seq, err := strconv.ParseUint(t.ID, 10, 64)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ticketsBucket).Delete(seqKey(seq))
	})
}

func (q *boltQueue) extend(ctx context.Context, t Ticket) error {
	return q.update(t, func(r *boltRecord) { r.LeasedUntil = time.Now().Add(q.lease).UnixMilli() })
}

// nack releases the lease and stores the failure count.
func (q *boltQueue) nack(ctx context.Context, t Ticket) error {
	return q.update(t, func(r *boltRecord) {
		r.LeasedUntil = 0
		r.Failures = t.Failures
	})
}

// update rewrites the stored record of t; a deleted ticket is ignored.
func (q *boltQueue) update(t Ticket, fn func(*boltRecord)) error {
	seq, err := strconv.ParseUint(t.ID, 10, 64)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ticketsBucket)
		v := b.Get(seqKey(seq))
		if v == nil {
			return nil
		}
		var r boltRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		fn(&r)
		return putRecord(b, seqKey(seq), r)
	})
}

func (q *boltQueue) Consume(ctx context.Context, h Handler) error {
	return consumeLoop(ctx, q.log, q.poll, q.lease, q.next, q.extend, q.ack, q.nack, h)
}

func (q *boltQueue) Reclaim(ctx context.Context) (int, error) {
	return q.release(time.Now().UnixMilli())
}

// release clears leases that expire at or before deadline; 0 clears all.
func (q *boltQueue) release(deadline int64) (int, error) {
	n := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(ticketsBucket)
		type kv struct {
			k []byte
			r boltRecord
		}
		var expired []kv
		err := b.ForEach(func(k, v []byte) error {
			var r boltRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.LeasedUntil != 0 && (deadline == 0 || r.LeasedUntil <= deadline) {
				r.LeasedUntil = 0
				expired = append(expired, kv{k: append([]byte(nil), k...), r: r})
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, e := range expired {
			if err := putRecord(b, e.k, e.r); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}

func (q *boltQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	found := false
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ticketsBucket).ForEach(func(k, v []byte) error {
			var r boltRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.JobID == jobID {
				found = true
			}
			return nil
		})
	})
	return found, err
}

func (q *boltQueue) Len(ctx context.Context) (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(ticketsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (q *boltQueue) Close() error { return q.db.Close() }
