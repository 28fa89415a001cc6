// Package statsbuf buffers periodic stats samples on local disk via
// go.etcd.io/bbolt when the primary store briefly can't take them, so
// the Hub's periodic stats emitter (C6) never blocks or drops a sample
// outright — it replays the backlog on the next tick instead.
package statsbuf

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("stats_samples")

// Sample is one point-in-time reading of the hub's live state, taken by
// the periodic stats emitter from Registry.Stats() and Repository.Stats().
type Sample struct {
	Timestamp        int64 `json:"ts"`
	RoomCount        int   `json:"rooms"`
	SessionCount     int   `json:"sessions"`
	ParticipantCount int64 `json:"participants"`
}

// Buffer is a small durable FIFO of Samples backed by a bbolt file.
type Buffer struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string) (*Buffer, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Buffer{db: db}, nil
}

// Enqueue appends s to the buffer, keyed by an autoincrementing sequence so
// Drain replays samples in the order they were taken.
func (b *Buffer) Enqueue(s Sample) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), body)
	})
}

// Drain returns every buffered Sample in enqueue order and removes them
// from the buffer. Call this once the primary store accepts writes again.
func (b *Buffer) Drain() ([]Sample, error) {
	var samples []Sample
	var keys [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		return bucket.ForEach(func(k, v []byte) error {
			var s Sample
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			samples = append(samples, s)
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return samples, nil
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return samples, err
}

// Len reports the number of samples currently buffered.
func (b *Buffer) Len() (int, error) {
	n := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return n, err
}

// Close releases the underlying bbolt file.
func (b *Buffer) Close() error {
	return b.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
