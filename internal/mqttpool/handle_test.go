package mqttpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeekTopicSinceTracksConsumptionAcrossEviction(t *testing.T) {
	entry := newTestEntry()
	h := &BrokerHandle{entry: entry}
	ttl := 10 * time.Millisecond

	entry.appendAndEvict("req", []byte("one"), ttl)
	payloads, lastSeq := h.PeekTopicSince("req", 0)
	require.Len(t, payloads, 1)
	assert.Equal(t, []byte("one"), payloads[0])

	payloads, lastSeq = h.PeekTopicSince("req", lastSeq)
	assert.Empty(t, payloads, "already-seen entry must not repeat")

	time.Sleep(ttl * 3)
	entry.appendAndEvict("req", []byte("two"), ttl) // evicts "one"

	payloads, _ = h.PeekTopicSince("req", lastSeq)
	require.Len(t, payloads, 1, "request arriving after an idle gap past the TTL must still be delivered")
	assert.Equal(t, []byte("two"), payloads[0])
}
