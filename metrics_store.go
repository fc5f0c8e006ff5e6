package unison

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var metricsBucket = []byte("metrics")

// MetricsStore persists a connection's last-known Metrics snapshot
// keyed by peer NodeID, for operators who want metrics to survive a
// process restart. The core connection/handshake/tracker machinery
// never depends on this: it is an optional opt-in add-on (§6.4), not
// part of the in-memory request/response path.
type MetricsStore struct {
	mu sync.Mutex
	db *bolt.DB
}

// OpenMetricsStore opens (creating if absent) a bbolt database at path
// for persisting connection metrics snapshots.
func OpenMetricsStore(path string) (*MetricsStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("unison: opening metrics store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metricsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &MetricsStore{db: db}, nil
}

// Close closes the underlying database.
func (s *MetricsStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Save records m as the last-known snapshot for peer. Only BytesSent,
// BytesReceived, LastHeartbeatAt and RTT are stored; InFlightRequests
// and ChecksumMismatches are not, and Load returns them as zero.
func (s *MetricsStore) Save(peer NodeID, m Metrics) error {
	buf := encodeMetrics(m)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metricsBucket)
		return b.Put([]byte(peer), buf)
	})
}

// Load returns the last-known snapshot for peer, or the zero Metrics
// and false if none is stored.
func (s *MetricsStore) Load(peer NodeID) (Metrics, bool) {
	var m Metrics
	var ok bool
	s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metricsBucket)
		v := b.Get([]byte(peer))
		if v == nil {
			return nil
		}
		m = decodeMetrics(v)
		ok = true
		return nil
	})
	return m, ok
}

// encodeMetrics packs a Metrics snapshot into a fixed-width record;
// there is no wire-compatibility requirement here since this never
// leaves the local bbolt file.
func encodeMetrics(m Metrics) []byte {
	buf := make([]byte, 8*3+8)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.BytesSent))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.BytesReceived))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.LastHeartbeatAt.UnixMicro()))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.RTT))
	return buf
}

func decodeMetrics(buf []byte) Metrics {
	if len(buf) < 32 {
		return Metrics{}
	}
	return Metrics{
		BytesSent:       binary.LittleEndian.Uint64(buf[0:8]),
		BytesReceived:   binary.LittleEndian.Uint64(buf[8:16]),
		LastHeartbeatAt: time.UnixMicro(int64(binary.LittleEndian.Uint64(buf[16:24]))),
		RTT:             time.Duration(binary.LittleEndian.Uint64(buf[24:32])),
	}
}
