package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/relaynet/notifydispatch/internal/types"
)

const (
	requestsBucket = "requests"
	queueBucket    = "queue"
	metaBucket     = "meta"

	metaKeyNextRequestID = "next_request_id"
	metaKeyJob           = "job"
	metaKeyJobLock       = "job_lock"

	firstRequestID = 1000
)

// BoltStore is a Store backed by go.etcd.io/bbolt: JSON-encoded rows,
// pkg/errors-wrapped failures, and a lock key in the meta bucket for
// advisory single-flight scheduling.
type BoltStore struct {
	db *bbolt.DB
}

// Open opens (creating if absent) a BoltStore at path and seeds the
// monotonic id allocator and job singleton on first use.
func Open(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt store at %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{requestsBucket, queueBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return errors.Wrapf(err, "create %s bucket", name)
			}
		}
		meta := tx.Bucket([]byte(metaBucket))
		if meta.Get([]byte(metaKeyNextRequestID)) == nil {
			if err := putUint64(meta, metaKeyNextRequestID, firstRequestID); err != nil {
				return err
			}
		}
		if meta.Get([]byte(metaKeyJob)) == nil {
			encoded, err := json.Marshal(types.Job{})
			if err != nil {
				return errors.Wrap(err, "marshal initial job singleton")
			}
			if err := meta.Put([]byte(metaKeyJob), encoded); err != nil {
				return errors.Wrap(err, "seed job singleton")
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize bolt store buckets")
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Close() error { return b.db.Close() }

func putUint64(bucket *bbolt.Bucket, key string, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return errors.Wrapf(bucket.Put([]byte(key), buf), "put %s", key)
}

func getUint64(bucket *bbolt.Bucket, key string) uint64 {
	v := bucket.Get([]byte(key))
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func requestKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func queueKey(requestID, partyTo uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], requestID)
	binary.BigEndian.PutUint64(k[8:], partyTo)
	return k
}

func queuePrefix(requestID uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, requestID)
	return k
}

// --- requests ---

func (b *BoltStore) InsertRequest(_ context.Context, req types.Request) (types.Request, error) {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		next := getUint64(meta, metaKeyNextRequestID)
		if next == 0 {
			next = firstRequestID
		}
		req.ID = next
		req.Status = types.StatusPending
		if err := putUint64(meta, metaKeyNextRequestID, next+1); err != nil {
			return err
		}

		reqs := tx.Bucket([]byte(requestsBucket))
		encoded, err := json.Marshal(req)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		return errors.Wrap(reqs.Put(requestKey(req.ID), encoded), "put request")
	})
	if err != nil {
		return types.Request{}, err
	}
	return req, nil
}

func (b *BoltStore) GetRequest(_ context.Context, id uint64) (types.Request, error) {
	var req types.Request
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(requestsBucket)).Get(requestKey(id))
		if v == nil {
			return errors.Errorf("request %d not found", id)
		}
		return errors.Wrap(json.Unmarshal(v, &req), "unmarshal request")
	})
	if err != nil {
		return types.Request{}, err
	}
	return req, nil
}

func (b *BoltStore) ListRequests(_ context.Context, statuses ...types.RequestStatus) ([]types.Request, error) {
	want := map[types.RequestStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []types.Request
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(requestsBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var req types.Request
			if err := json.Unmarshal(v, &req); err != nil {
				return errors.Wrap(err, "unmarshal request")
			}
			if len(want) == 0 || want[req.Status] {
				out = append(out, req)
			}
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) CancelRequest(_ context.Context, id uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		reqs := tx.Bucket([]byte(requestsBucket))
		v := reqs.Get(requestKey(id))
		if v == nil {
			return errors.Errorf("request %d not found", id)
		}
		var req types.Request
		if err := json.Unmarshal(v, &req); err != nil {
			return errors.Wrap(err, "unmarshal request")
		}

		queue := tx.Bucket([]byte(queueBucket))
		c := queue.Cursor()
		prefix := queuePrefix(id)
		total := 0
		for k, qv := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, qv = c.Next() {
			var qe types.QueueEntry
			if err := json.Unmarshal(qv, &qe); err != nil {
				return errors.Wrap(err, "unmarshal queue entry")
			}
			qe.IsSuccessful = false
			qe.RetryCount = req.MaxRetries + 1
			encoded, err := json.Marshal(qe)
			if err != nil {
				return errors.Wrap(err, "marshal queue entry")
			}
			if err := queue.Put(k, encoded); err != nil {
				return errors.Wrap(err, "put queue entry")
			}
			total++
		}

		req.Status = types.StatusCancelled
		req.SucceededCount = 0
		req.RetryableCount = 0
		req.FailedExhaustedCount = total
		encoded, err := json.Marshal(req)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		return errors.Wrap(reqs.Put(requestKey(id), encoded), "put request")
	})
}

// --- queue / expansion ---

func (b *BoltStore) ApplyExpansion(_ context.Context, requestID uint64, entries []types.QueueEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		queue := tx.Bucket([]byte(queueBucket))
		for _, e := range entries {
			e.RequestID = requestID
			e.RetryCount = 0
			e.IsSuccessful = false
			encoded, err := json.Marshal(e)
			if err != nil {
				return errors.Wrap(err, "marshal queue entry")
			}
			if err := queue.Put(queueKey(requestID, e.PartyTo), encoded); err != nil {
				return errors.Wrap(err, "put queue entry")
			}
		}

		reqs := tx.Bucket([]byte(requestsBucket))
		v := reqs.Get(requestKey(requestID))
		if v == nil {
			return errors.Errorf("request %d not found", requestID)
		}
		var req types.Request
		if err := json.Unmarshal(v, &req); err != nil {
			return errors.Wrap(err, "unmarshal request")
		}
		req.RetryableCount = len(entries)
		req.SucceededCount = 0
		req.FailedExhaustedCount = 0
		if req.Status == types.StatusPending {
			req.Status = types.StatusSending
		}
		encoded, err := json.Marshal(req)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		return errors.Wrap(reqs.Put(requestKey(requestID), encoded), "put request")
	})
}

func (b *BoltStore) ListQueueEntriesByRequest(_ context.Context, requestID uint64) ([]types.QueueEntry, error) {
	var out []types.QueueEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(queueBucket)).Cursor()
		prefix := queuePrefix(requestID)
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var qe types.QueueEntry
			if err := json.Unmarshal(v, &qe); err != nil {
				return errors.Wrap(err, "unmarshal queue entry")
			}
			out = append(out, qe)
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) ListAllQueueEntries(_ context.Context) ([]types.QueueEntry, error) {
	var out []types.QueueEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(queueBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var qe types.QueueEntry
			if err := json.Unmarshal(v, &qe); err != nil {
				return errors.Wrap(err, "unmarshal queue entry")
			}
			out = append(out, qe)
		}
		return nil
	})
	return out, err
}

// --- delivery outcomes ---

func (b *BoltStore) ApplyDeliverySuccess(_ context.Context, requestID, partyTo uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		reqs := tx.Bucket([]byte(requestsBucket))
		queue := tx.Bucket([]byte(queueBucket))

		req, ok, err := loadRequest(reqs, requestID)
		if err != nil || !ok || req.Status != types.StatusSending {
			return err
		}
		qe, ok, err := loadQueueEntry(queue, requestID, partyTo)
		if err != nil || !ok || !qe.Retryable(req.MaxRetries) {
			return err
		}

		qe.IsSuccessful = true
		req.RetryableCount--
		req.SucceededCount++
		return saveBoth(reqs, queue, req, qe)
	})
}

func (b *BoltStore) ApplyDeliveryFailure(_ context.Context, requestID, partyTo uint64, code *int, message string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		reqs := tx.Bucket([]byte(requestsBucket))
		queue := tx.Bucket([]byte(queueBucket))

		req, ok, err := loadRequest(reqs, requestID)
		if err != nil || !ok || req.Status != types.StatusSending {
			return err
		}
		qe, ok, err := loadQueueEntry(queue, requestID, partyTo)
		if err != nil || !ok || !qe.Retryable(req.MaxRetries) {
			return err
		}

		qe.RetryCount++
		qe.SMTPReplyCode = code
		qe.SMTPReplyMessage = message
		if qe.Exhausted(req.MaxRetries) {
			req.RetryableCount--
			req.FailedExhaustedCount++
		}
		return saveBoth(reqs, queue, req, qe)
	})
}

func (b *BoltStore) FoldConnectionFailure(_ context.Context, code *int, message string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		reqs := tx.Bucket([]byte(requestsBucket))
		queue := tx.Bucket([]byte(queueBucket))

		rc := reqs.Cursor()
		for rk, rv := rc.First(); rk != nil; rk, rv = rc.Next() {
			var req types.Request
			if err := json.Unmarshal(rv, &req); err != nil {
				return errors.Wrap(err, "unmarshal request")
			}
			if req.Status != types.StatusSending {
				continue
			}
			changed := false
			qc := queue.Cursor()
			prefix := queuePrefix(req.ID)
			for qk, qv := qc.Seek(prefix); qk != nil && strings.HasPrefix(string(qk), string(prefix)); qk, qv = qc.Next() {
				var qe types.QueueEntry
				if err := json.Unmarshal(qv, &qe); err != nil {
					return errors.Wrap(err, "unmarshal queue entry")
				}
				if !qe.Retryable(req.MaxRetries) {
					continue
				}
				qe.RetryCount++
				qe.SMTPReplyCode = code
				qe.SMTPReplyMessage = message
				if qe.Exhausted(req.MaxRetries) {
					req.RetryableCount--
					req.FailedExhaustedCount++
				}
				encoded, err := json.Marshal(qe)
				if err != nil {
					return errors.Wrap(err, "marshal queue entry")
				}
				if err := queue.Put(qk, encoded); err != nil {
					return errors.Wrap(err, "put queue entry")
				}
				changed = true
			}
			if changed {
				encoded, err := json.Marshal(req)
				if err != nil {
					return errors.Wrap(err, "marshal request")
				}
				if err := reqs.Put(rk, encoded); err != nil {
					return errors.Wrap(err, "put request")
				}
			}
		}
		return nil
	})
}

func (b *BoltStore) Reconcile(_ context.Context) error {
	now := time.Now()
	return b.db.Update(func(tx *bbolt.Tx) error {
		reqs := tx.Bucket([]byte(requestsBucket))
		c := reqs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var req types.Request
			if err := json.Unmarshal(v, &req); err != nil {
				return errors.Wrap(err, "unmarshal request")
			}
			if req.Status != types.StatusSending {
				continue
			}
			switch {
			case req.RetryableCount == 0 && req.FailedExhaustedCount == 0 && req.SucceededCount > 0:
				req.Status = types.StatusSent
				t := now
				req.FulfillDate = &t
			case req.RetryableCount == 0 && req.SucceededCount == 0 && req.FailedExhaustedCount > 0:
				req.Status = types.StatusFailed
			case req.RetryableCount == 0 && req.SucceededCount > 0 && req.FailedExhaustedCount > 0:
				req.Status = types.StatusPartialFailure
				t := now
				req.FulfillDate = &t
			default:
				continue
			}
			encoded, err := json.Marshal(req)
			if err != nil {
				return errors.Wrap(err, "marshal request")
			}
			if err := reqs.Put(k, encoded); err != nil {
				return errors.Wrap(err, "put request")
			}
		}
		return nil
	})
}

func loadRequest(reqs *bbolt.Bucket, id uint64) (types.Request, bool, error) {
	v := reqs.Get(requestKey(id))
	if v == nil {
		return types.Request{}, false, nil
	}
	var req types.Request
	if err := json.Unmarshal(v, &req); err != nil {
		return types.Request{}, false, errors.Wrap(err, "unmarshal request")
	}
	return req, true, nil
}

func loadQueueEntry(queue *bbolt.Bucket, requestID, partyTo uint64) (types.QueueEntry, bool, error) {
	v := queue.Get(queueKey(requestID, partyTo))
	if v == nil {
		return types.QueueEntry{}, false, nil
	}
	var qe types.QueueEntry
	if err := json.Unmarshal(v, &qe); err != nil {
		return types.QueueEntry{}, false, errors.Wrap(err, "unmarshal queue entry")
	}
	return qe, true, nil
}

func saveBoth(reqs, queue *bbolt.Bucket, req types.Request, qe types.QueueEntry) error {
	encodedReq, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	if err := reqs.Put(requestKey(req.ID), encodedReq); err != nil {
		return errors.Wrap(err, "put request")
	}
	encodedQE, err := json.Marshal(qe)
	if err != nil {
		return errors.Wrap(err, "marshal queue entry")
	}
	return errors.Wrap(queue.Put(queueKey(qe.RequestID, qe.PartyTo), encodedQE), "put queue entry")
}

// --- job singleton ---

func (b *BoltStore) GetJob(_ context.Context) (types.Job, error) {
	var job types.Job
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(metaBucket)).Get([]byte(metaKeyJob))
		if v == nil {
			return nil
		}
		return errors.Wrap(json.Unmarshal(v, &job), "unmarshal job singleton")
	})
	return job, err
}

func (b *BoltStore) TouchJobLastRun(_ context.Context, at time.Time) error {
	return b.mutateJob(func(j *types.Job) { j.LastRunDate = &at })
}

func (b *BoltStore) SetJobID(_ context.Context, jobID string) error {
	return b.mutateJob(func(j *types.Job) {
		j.JobID = jobID
		j.LastRunDate = nil
	})
}

func (b *BoltStore) mutateJob(fn func(*types.Job)) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		var job types.Job
		if v := meta.Get([]byte(metaKeyJob)); v != nil {
			if err := json.Unmarshal(v, &job); err != nil {
				return errors.Wrap(err, "unmarshal job singleton")
			}
		}
		fn(&job)
		encoded, err := json.Marshal(job)
		if err != nil {
			return errors.Wrap(err, "marshal job singleton")
		}
		return errors.Wrap(meta.Put([]byte(metaKeyJob), encoded), "put job singleton")
	})
}

// --- advisory lock ---

func (b *BoltStore) AcquireLock(_ context.Context, instanceID string, ttl time.Duration) (bool, error) {
	var locked bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		key := []byte(metaKeyJobLock)
		current := meta.Get(key)
		if current == nil {
			locked = true
			return errors.Wrap(meta.Put(key, []byte(formatLockInfo(instanceID))), "put lock")
		}
		heldBy, lockedAt, err := parseLockInfo(current)
		if err != nil {
			return errors.Wrap(err, "parse existing lock")
		}
		if heldBy == instanceID || time.Since(lockedAt) > ttl {
			locked = true
			return errors.Wrap(meta.Put(key, []byte(formatLockInfo(instanceID))), "reacquire lock")
		}
		locked = false
		return nil
	})
	if err != nil {
		return false, err
	}
	return locked, nil
}

func (b *BoltStore) ReleaseLock(_ context.Context, instanceID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		key := []byte(metaKeyJobLock)
		current := meta.Get(key)
		if current == nil {
			return nil
		}
		heldBy, _, err := parseLockInfo(current)
		if err != nil {
			return errors.Wrap(meta.Delete(key), "delete malformed lock")
		}
		if heldBy == instanceID {
			return errors.Wrap(meta.Delete(key), "delete lock")
		}
		return nil
	})
}

func formatLockInfo(instanceID string) string {
	return fmt.Sprintf("%s:%d", instanceID, time.Now().UnixNano())
}

func parseLockInfo(data []byte) (instanceID string, lockedAt time.Time, err error) {
	parts := strings.Split(string(data), ":")
	if len(parts) != 2 {
		return "", time.Time{}, errors.Errorf("malformed lock info %q", data)
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "invalid lock timestamp")
	}
	return parts[0], time.Unix(0, nanos), nil
}
