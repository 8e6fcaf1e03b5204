package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosuke/kosuke/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	defer b.Close()

	var received []*Event
	_, err := b.Subscribe("kosuke.workspace.sess-1", func(ctx context.Context, event *Event) error {
		received = append(received, event)
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("workspace.created", "test", map[string]interface{}{"session_id": "sess-1"})
	require.NoError(t, b.Publish(context.Background(), "kosuke.workspace.sess-1", event))

	require.Len(t, received, 1)
	assert.Equal(t, "workspace.created", received[0].Type)
	assert.NotEmpty(t, received[0].ID)
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestMemoryBus_WildcardPatterns(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	defer b.Close()

	counts := map[string]int{}
	subscribe := func(pattern string) {
		_, err := b.Subscribe(pattern, func(ctx context.Context, event *Event) error {
			counts[pattern]++
			return nil
		})
		require.NoError(t, err)
	}

	subscribe("kosuke.workspace.*")
	subscribe("kosuke.>")
	subscribe("kosuke.workspace.sess-1")
	subscribe("kosuke.workspace.other")

	event := NewEvent("workspace.created", "test", nil)
	require.NoError(t, b.Publish(context.Background(), "kosuke.workspace.sess-1", event))

	assert.Equal(t, 1, counts["kosuke.workspace.*"])
	assert.Equal(t, 1, counts["kosuke.>"])
	assert.Equal(t, 1, counts["kosuke.workspace.sess-1"])
	assert.Zero(t, counts["kosuke.workspace.other"])
}

func TestMemoryBus_HandlerErrorDoesNotBlockOthers(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	defer b.Close()

	delivered := false
	_, err := b.Subscribe("subj", func(ctx context.Context, event *Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = b.Subscribe("subj", func(ctx context.Context, event *Event) error {
		delivered = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "subj", NewEvent("t", "test", nil)))
	assert.True(t, delivered)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	defer b.Close()

	count := 0
	sub, err := b.Subscribe("subj", func(ctx context.Context, event *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "subj", NewEvent("t", "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "subj", NewEvent("t", "test", nil)))

	assert.Equal(t, 1, count)
}

func TestMemoryBus_Close(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger())
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "subj", NewEvent("t", "test", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("subj", func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)
}

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		subject string
		pattern string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.*.c", true},
		{"a.b.c", "a.>", true},
		{"a.b.c", ">", true},
		{"a.b.c", "a.b", false},
		{"a.b.c", "a.b.c.d", false},
		{"a.b.c", "a.*.d", false},
		{"a", "a.>", false},
	}
	for _, tt := range tests {
		if got := subjectMatches(tt.subject, tt.pattern); got != tt.want {
			t.Errorf("subjectMatches(%q, %q) = %v, want %v", tt.subject, tt.pattern, got, tt.want)
		}
	}
}
