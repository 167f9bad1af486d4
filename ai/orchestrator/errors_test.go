package orchestrator

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindNotification(t *testing.T) {
	kinds := []Kind{
		KindAssistantUnavailable,
		KindPersistence,
		KindRunFailed,
		KindPollTimeout,
		KindEmptyAssistantOutput,
		KindTranscription,
		KindThreadNotReady,
		KindSendInFlight,
	}
	for _, kind := range kinds {
		assert.NotEmpty(t, kind.Notification(), "kind %s", kind)
	}
	assert.NotEmpty(t, Kind("something_else").Notification())
}

func TestKindNotification_DeliveryWording(t *testing.T) {
	// An unreachable provider means the message never left; a failed run or a
	// poll timeout means it was delivered but no reply came back. The wording
	// must not conflate the two.
	assert.Contains(t, KindAssistantUnavailable.Notification(), "not delivered")
	assert.Contains(t, KindRunFailed.Notification(), "delivered")
	assert.Contains(t, KindPollTimeout.Notification(), "delivered")
}

func TestKindOf(t *testing.T) {
	cause := errors.New("boom")
	err := E(KindPersistence, cause)

	assert.Equal(t, KindPersistence, KindOf(err))
	assert.True(t, IsKind(err, KindPersistence))
	assert.False(t, IsKind(err, KindRunFailed))
	assert.ErrorIs(t, err, cause)

	// The kind survives further wrapping.
	wrapped := fmt.Errorf("send failed: %w", err)
	assert.Equal(t, KindPersistence, KindOf(wrapped))

	assert.Equal(t, Kind(""), KindOf(errors.New("untyped")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorString(t *testing.T) {
	cause := errors.New("boom")

	assert.Equal(t, "run_failed", (&Error{Kind: KindRunFailed}).Error())
	assert.Equal(t, "run_failed: model exploded", (&Error{Kind: KindRunFailed, Detail: "model exploded"}).Error())
	assert.Equal(t, "persistence_error: boom", E(KindPersistence, cause).Error())

	full := &Error{Kind: KindRunFailed, Detail: "model exploded", cause: cause}
	assert.Equal(t, "run_failed: model exploded: boom", full.Error())
}

func TestEf(t *testing.T) {
	err := Ef(KindPollTimeout, "run %s not terminal after %d polls", "run-1", 30)
	require.NotNil(t, err)
	assert.Equal(t, KindPollTimeout, err.Kind)
	assert.Equal(t, "run run-1 not terminal after 30 polls", err.Detail)
	assert.NoError(t, err.Unwrap())
}
