package logsink

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltSink persists link traffic in a bbolt database, one bucket per
// link id, keyed by timestamp plus an insertion sequence so equal
// timestamps keep their order.
type BoltSink struct {
	db  *bolt.DB
	seq atomic.Uint64
}

func NewBoltSink(path string) (*BoltSink, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open message log %s: %w", path, err)
	}
	return &BoltSink{db: db}, nil
}

func (s *BoltSink) Log(e Entry) {
	key := e.Time.UTC().Format(time.RFC3339Nano) + "#" + strconv.FormatUint(s.seq.Add(1), 10)
	s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(e.Link))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), e.Data)
	})
}

// Tail returns up to n most recent entries for a link, oldest first. A
// link with no recorded traffic yields an empty slice.
func (s *BoltSink) Tail(link string, n int) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(link))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			ts, _, _ := strings.Cut(string(k), "#")
			when, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				continue
			}
			out = append(out, Entry{
				Link: link,
				Time: when,
				Data: append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read message log: %w", err)
	}
	// cursor walked newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Links lists the link ids that have recorded traffic.
func (s *BoltSink) Links() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			ids = append(ids, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list message log buckets: %w", err)
	}
	return ids, nil
}

func (s *BoltSink) Close() error {
	return s.db.Close()
}
