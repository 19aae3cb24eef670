package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug", zerolog.InfoLevel))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warning ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud", zerolog.InfoLevel))
}

func TestProductionWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(NewWithWriter(&buf, "production", "info"), "engine")

	log.Info().Str("campaign_id", "campaign_1").Msg("run finished")
	log.Debug().Msg("hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "campaign_1", entry["campaign_id"])
	assert.Equal(t, "run finished", entry["message"])
	assert.NotContains(t, buf.String(), "hidden")
}
