package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	Info("hello")
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestChildLoggersCarryFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("streamer")
	logger.Info().Str("stream", "events").Msg("pass complete")
	assert.Contains(t, buf.String(), `"component":"streamer"`)
	assert.Contains(t, buf.String(), `"stream":"events"`)

	buf.Reset()
	roomLogger := WithRoomID("!room")
	roomLogger.Debug().Msg("state resolved")
	assert.Contains(t, buf.String(), `"room_id":"!room"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Info("dropped")
	assert.Empty(t, buf.String())

	Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}
