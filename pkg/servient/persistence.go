// Package servient hosts the top-level runtime: the Servient lifecycle
// controller (§4.J) and the catalogue HTTP server (§4.K). This file defines
// the narrow persistence-writer interface from §6: the servient calls only
// these three methods, any subsystem may be a NOP, and no concrete
// InfluxDB/SQLite client is wired per §1's explicit non-goal.
package servient

import "github.com/sirupsen/logrus"

// Writer is the external persistence collaborator. Errors are always
// logged and swallowed by callers — persistence failures never break a
// user-visible interaction (§4.M).
type Writer interface {
	WritePoint(bucket, key string, value interface{}) error
	ExecuteQuery(q string) ([]map[string]interface{}, error)
	InsertData(table string, row []interface{}) error
}

// NopWriter discards everything, the default when no persistence backend is
// configured.
type NopWriter struct{}

func (NopWriter) WritePoint(bucket, key string, value interface{}) error { return nil }
func (NopWriter) ExecuteQuery(q string) ([]map[string]interface{}, error) { return nil, nil }
func (NopWriter) InsertData(table string, row []interface{}) error      { return nil }

// RingBufferWriter is a tiny in-memory writer grounded on wotpy's
// database/sqlite_database.py narrow surface, useful for tests that need to
// assert a property write was recorded without standing up a real database.
type RingBufferWriter struct {
	capacity int
	points   []ringPoint
}

type ringPoint struct {
	Bucket string
	Key    string
	Value  interface{}
}

func NewRingBufferWriter(capacity int) *RingBufferWriter {
	return &RingBufferWriter{capacity: capacity}
}

func (w *RingBufferWriter) WritePoint(bucket, key string, value interface{}) error {
	w.points = append(w.points, ringPoint{bucket, key, value})
	if len(w.points) > w.capacity {
		w.points = w.points[len(w.points)-w.capacity:]
	}
	return nil
}

func (w *RingBufferWriter) ExecuteQuery(q string) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(w.points))
	for _, p := range w.points {
		out = append(out, map[string]interface{}{"bucket": p.Bucket, "key": p.Key, "value": p.Value})
	}
	return out, nil
}

func (w *RingBufferWriter) InsertData(table string, row []interface{}) error {
	logrus.Debugf("RingBufferWriter.InsertData: table=%s row=%v", table, row)
	return nil
}

// Points exposes the buffered points for assertions in tests.
func (w *RingBufferWriter) Points() []ringPoint { return append([]ringPoint{}, w.points...) }
