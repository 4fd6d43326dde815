package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmxunan/0C-sub003/internal/models"
)

func changeMessage(t *testing.T, origin string) []byte {
	t.Helper()
	data, err := json.Marshal(models.RuleChange{
		RuleID:     "rule-1",
		Change:     models.RuleUpdated,
		Origin:     origin,
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return data
}

func TestDecodeChange(t *testing.T) {
	change, err := DecodeChange(changeMessage(t, "node-a"))
	require.NoError(t, err)
	assert.Equal(t, "rule-1", change.RuleID)
	assert.Equal(t, models.RuleUpdated, change.Change)
	assert.Equal(t, "node-a", change.Origin)

	_, err = DecodeChange([]byte("{"))
	assert.Error(t, err)
}

func TestSubscriberReloadsOnRemoteChange(t *testing.T) {
	reloads := 0
	s := NewSubscriber("node-a", func(ctx context.Context) error {
		reloads++
		return nil
	})

	assert.False(t, s.handle(changeMessage(t, "node-a")), "own changes are ignored")
	assert.True(t, s.handle(changeMessage(t, "node-b")))
	assert.True(t, s.handle(changeMessage(t, "")))
	assert.False(t, s.handle([]byte("not json")))
	assert.Equal(t, 2, reloads)
}

func TestSubscriberReloadFailure(t *testing.T) {
	s := NewSubscriber("node-a", func(ctx context.Context) error {
		return errors.New("database down")
	})
	assert.True(t, s.handle(changeMessage(t, "node-b")))
	assert.NoError(t, s.Close())
}
