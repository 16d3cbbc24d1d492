package notify

import (
	"bytes"
	"testing"

	"lv-propdesk/internal/observability"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPublishDropsWhenQueueFull(t *testing.T) {
	var buf bytes.Buffer
	m := observability.NewMetrics(nil)
	p := NewJetStream(nil, m, zerolog.New(&buf))
	p.queue = make(chan Event, 1)

	p.Publish(SubjectTradeClosed, map[string]string{"trade_id": "a"})
	p.Publish(SubjectTradeClosed, map[string]string{"trade_id": "b"})

	assert.Len(t, p.queue, 1)
	evt := <-p.queue
	assert.Equal(t, SubjectTradeClosed, evt.Subject)
	assert.False(t, evt.At.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotifyDrops))
	assert.Contains(t, buf.String(), "notification dropped")
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	assert.NotPanics(t, func() { p.Publish(SubjectMarginCall, nil) })
}
