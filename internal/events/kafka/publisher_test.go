package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sheikh-saqib/finance-ledger/internal/metrics"
	memorymetrics "github.com/sheikh-saqib/finance-ledger/internal/metrics/memory"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublisher_Publish(t *testing.T) {
	writer := &fakeWriter{}
	collector := memorymetrics.NewMemoryCollector()
	p := NewPublisherWithWriter(writer, DefaultConfig(), collector)

	err := p.Publish(context.Background(), "ledger.transaction.committed", "tx-1", map[string]string{"id": "tx-1"})
	require.NoError(t, err)

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "ledger.transaction.committed", msg.Topic)
	assert.Equal(t, []byte("tx-1"), msg.Key)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "tx-1", decoded["id"])

	ok, failed := collector.Published("ledger.transaction.committed")
	assert.Equal(t, int64(1), ok)
	assert.Equal(t, int64(0), failed)
}

func TestPublisher_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	collector := memorymetrics.NewMemoryCollector()
	p := NewPublisherWithWriter(writer, Config{
		Timeout:             time.Second,
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Minute,
	}, collector)

	for i := 0; i < 2; i++ {
		err := p.Publish(context.Background(), "t", "k", "v")
		require.Error(t, err)
	}

	err := p.Publish(context.Background(), "t", "k", "v")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, metrics.CircuitOpen, collector.CircuitState("kafka"))

	_, failed := collector.Published("t")
	assert.Equal(t, int64(3), failed)
}
