package mqttpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntry() *brokerEntry {
	return &brokerEntry{
		cache:       map[string][]cacheEntry{},
		seqCounters: map[string]uint64{},
	}
}

func TestAppendAndEvictAssignsIncreasingSeq(t *testing.T) {
	e := newTestEntry()
	first := e.appendAndEvict("t", []byte("a"), time.Minute)
	second := e.appendAndEvict("t", []byte("b"), time.Minute)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
}

// TestEntriesAfterSurvivesEviction reproduces the bug a length-based cursor
// hits: a request arrives, is consumed, then the topic sits idle past the
// TTL so the next arrival evicts the first entry. entriesAfter must still
// return the second entry instead of silently dropping it.
func TestEntriesAfterSurvivesEviction(t *testing.T) {
	e := newTestEntry()
	ttl := 10 * time.Millisecond

	first := e.appendAndEvict("req", []byte("one"), ttl)
	entries, lastSeq := e.entriesAfter("req", 0)
	require.Len(t, entries, 1)
	assert.Equal(t, first.Seq, lastSeq)

	time.Sleep(ttl * 3)

	second := e.appendAndEvict("req", []byte("two"), ttl)
	e.mu.Lock()
	cached := append([]cacheEntry{}, e.cache["req"]...)
	e.mu.Unlock()
	require.Len(t, cached, 1, "the stale first entry should have been evicted")

	entries, lastSeq = e.entriesAfter("req", lastSeq)
	require.Len(t, entries, 1, "the second entry must still be delivered despite eviction shrinking the list")
	assert.Equal(t, []byte("two"), entries[0].Payload)
	assert.Equal(t, second.Seq, lastSeq)

	entries, _ = e.entriesAfter("req", lastSeq)
	assert.Empty(t, entries, "entries already consumed must not be redelivered")
}

func TestEntriesAfterOnEmptyTopicKeepsLastSeq(t *testing.T) {
	e := newTestEntry()
	entries, lastSeq := e.entriesAfter("nothing-cached", 5)
	assert.Empty(t, entries)
	assert.Equal(t, uint64(5), lastSeq)
}

func TestFindByIDAndFindSince(t *testing.T) {
	e := newTestEntry()
	e.appendAndEvict("t", []byte(`{"id":"req-1"}`), time.Minute)
	before := time.Now()
	e.appendAndEvict("t", []byte(`{"id":"req-2"}`), time.Minute)

	entry, ok := e.findByID("t", "req-2")
	require.True(t, ok)
	assert.Equal(t, "req-2", entry.ID)

	entry, ok = e.findSince("t", before)
	require.True(t, ok)
	assert.Equal(t, "req-2", entry.ID)

	_, ok = e.findByID("t", "no-such-id")
	assert.False(t, ok)
}
