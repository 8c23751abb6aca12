package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatcore/internal/broker"
	"chatcore/internal/models"

	"go.etcd.io/bbolt"
)

var bucketDeadLetters = []byte("dead_letters")

// DeadLetterStore archives events that the broker gave up on.
type DeadLetterStore struct {
	db *bbolt.DB
}

func NewDeadLetterStore(path string) (*DeadLetterStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDeadLetters)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &DeadLetterStore{db: db}, nil
}

func (s *DeadLetterStore) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

// Archive appends a dead letter.
func (s *DeadLetterStore) Archive(_ context.Context, dl broker.DeadLetter) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev := dl.Event
		rec := &DBDeadLetter{
			Seq:        seq,
			EventID:    ev.ID,
			Type:       string(ev.Type),
			UserID:     ev.UserID,
			SocketID:   ev.SocketID,
			Payload:    ev.Payload,
			Priority:   ev.Priority,
			EnqueuedAt: ev.EnqueuedAt.UnixMilli(),
			Retries:    ev.Retries,
			Queue:      dl.Queue,
			Reason:     dl.Reason,
			DeadAt:     dl.DeadAt.UnixMilli(),
		}
		if err := put(b, rec); err != nil {
			return fmt.Errorf("failed to put dead letter: %w", err)
		}
		return nil
	})
}

// List returns up to limit dead letters, newest first. A non-positive limit
// returns all of them.
func (s *DeadLetterStore) List(limit int) ([]broker.DeadLetter, error) {
	var out []broker.DeadLetter
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDeadLetters).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec DBDeadLetter
			if err := rec.UnmarshalBinary(v); err != nil {
				return err
			}
			out = append(out, broker.DeadLetter{
				Event: models.QueuedEvent{
					ID:         rec.EventID,
					Type:       models.EventType(rec.Type),
					UserID:     rec.UserID,
					SocketID:   rec.SocketID,
					Payload:    json.RawMessage(rec.Payload),
					Priority:   rec.Priority,
					EnqueuedAt: time.UnixMilli(rec.EnqueuedAt),
					Retries:    rec.Retries,
				},
				Queue:  rec.Queue,
				Reason: rec.Reason,
				DeadAt: time.UnixMilli(rec.DeadAt),
			})
		}
		return nil
	})
	return out, err
}

// Purge drops every archived dead letter and returns how many there were.
func (s *DeadLetterStore) Purge() (int, error) {
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketDeadLetters).Stats().KeyN
		if err := tx.DeleteBucket(bucketDeadLetters); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketDeadLetters)
		return err
	})
	return n, err
}
