package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSQLiteDefaultsDSN(t *testing.T) {
	p := &Profile{
		Mode:   "dev",
		Data:   t.TempDir(),
		Driver: "sqlite",
	}
	require.NoError(t, p.Validate())
	assert.Contains(t, p.DSN, "concierge_dev.db")
}

func TestValidatePostgresRequiresDSN(t *testing.T) {
	p := &Profile{
		Mode:   "dev",
		Data:   t.TempDir(),
		Driver: "postgres",
	}
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsn is required")
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	p := &Profile{
		Mode:   "dev",
		Data:   t.TempDir(),
		Driver: "oracle",
	}
	require.Error(t, p.Validate())
}

func TestValidateNormalizesMode(t *testing.T) {
	p := &Profile{
		Mode:   "staging",
		Data:   t.TempDir(),
		Driver: "sqlite",
	}
	require.NoError(t, p.Validate())
	assert.Equal(t, "demo", p.Mode)
}

func TestValidatePollBoundsDefaults(t *testing.T) {
	p := &Profile{
		Mode:   "dev",
		Data:   t.TempDir(),
		Driver: "sqlite",
	}
	require.NoError(t, p.Validate())
	assert.Equal(t, time.Second, p.RunPollInterval())
	assert.Equal(t, 30*time.Second, p.RunPollTimeout())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CONCIERGE_ASSISTANT_API_KEY", "sk-test")
	t.Setenv("CONCIERGE_ASSISTANT_ID", "asst_123")
	t.Setenv("CONCIERGE_RUN_POLL_TIMEOUT_SECONDS", "45")

	p := &Profile{}
	p.FromEnv()

	assert.True(t, p.IsAssistantEnabled())
	assert.Equal(t, "whisper-1", p.TranscriptionModel)
	assert.Equal(t, 45*time.Second, p.RunPollTimeout())
}
