package subagent

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentience-labs/warden/pkg/errkind"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writer := newFrameWriter(&buf)

	require.NoError(t, writer.send(TypeTask, "t-1", TaskPayload{TaskID: "t-1", Task: json.RawMessage(`{"op":"echo"}`)}))
	require.NoError(t, writer.send(TypeShutdown, "", nil))

	reader := newFrameReader(&buf)

	env, err := reader.next()
	require.NoError(t, err)
	assert.Equal(t, TypeTask, env.Type)
	assert.Equal(t, "t-1", env.ID)
	var payload TaskPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "t-1", payload.TaskID)

	env, err = reader.next()
	require.NoError(t, err)
	assert.Equal(t, TypeShutdown, env.Type)
	assert.Nil(t, env.Payload)

	_, err = reader.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderRejectsOversizedLine(t *testing.T) {
	line := `{"type":"task","payload":"` + strings.Repeat("x", MaxEnvelopeBytes) + `"}`
	reader := newFrameReader(strings.NewReader(line + "\n"))

	_, err := reader.next()
	require.Error(t, err)
	assert.Equal(t, errkind.KindMessageTooLarge, errkind.KindOf(err))
}

func TestFrameWriterRejectsOversizedEnvelope(t *testing.T) {
	writer := newFrameWriter(io.Discard)
	err := writer.send(TypeTask, "", TaskPayload{
		TaskID: "big",
		Task:   json.RawMessage(`"` + strings.Repeat("x", MaxEnvelopeBytes) + `"`),
	})
	require.Error(t, err)
	assert.Equal(t, errkind.KindMessageTooLarge, errkind.KindOf(err))
}

func TestFrameReaderRejectsMalformedLines(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "not json", line: "garbage"},
		{name: "missing type", line: `{"id":"x"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reader := newFrameReader(strings.NewReader(tc.line + "\n"))
			_, err := reader.next()
			require.Error(t, err)
			assert.Equal(t, errkind.KindFramingError, errkind.KindOf(err))
		})
	}
}

func TestRoleProfiles(t *testing.T) {
	assert.True(t, RoleResearch.IsValid())
	assert.False(t, Role("janitor").IsValid())

	// Only content-creator and research may write to the workspace.
	assert.True(t, RoleContentCreator.Has(CapabilityWorkspaceWrite))
	assert.True(t, RoleResearch.Has(CapabilityWorkspaceWrite))
	assert.False(t, RoleNewsCurator.Has(CapabilityWorkspaceWrite))
	assert.False(t, RoleDefiMonitor.Has(CapabilityWorkspaceWrite))

	for _, role := range []Role{RoleNewsCurator, RoleDefiMonitor, RoleContentCreator, RoleResearch} {
		assert.NotEmpty(t, role.Capabilities(), role)
		assert.Positive(t, role.MaxLifetime(), role)
	}
}
