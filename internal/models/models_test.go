package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompression_NoCompressionEncodesNull(t *testing.T) {
	conv := Conversation{ID: "c1", Title: "hello"}
	data, err := json.Marshal(conv)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"compressionData":null`)

	var back Conversation
	require.NoError(t, json.Unmarshal(data, &back))
	assert.False(t, back.Compression.Folded())
}

func TestCompression_FoldedSurvivesJSON(t *testing.T) {
	conv := Conversation{
		ID:          "c1",
		Compression: Folded("s1", []string{"a", "b"}, "summary", 42),
	}
	data, err := json.Marshal(conv)
	require.NoError(t, err)

	var back Conversation
	require.NoError(t, json.Unmarshal(data, &back))
	require.True(t, back.Compression.Folded())
	assert.Equal(t, "s1", back.Compression.SummaryMessageID)
	assert.Equal(t, []string{"a", "b"}, back.Compression.CompressedMessageIDs)
	assert.Equal(t, "summary", back.Compression.CompressedContent)
	assert.Equal(t, int64(42), back.Compression.Timestamp)
}

func TestCompression_MissingFieldIsNoCompression(t *testing.T) {
	var conv Conversation
	require.NoError(t, json.Unmarshal([]byte(`{"id":"c1"}`), &conv))
	assert.False(t, conv.Compression.Folded())
	assert.False(t, conv.Compression.Contains("x"))
}

func TestCompression_Contains(t *testing.T) {
	c := Folded("s", []string{"a"}, "", 0)
	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
}

func TestMessage_ParentAccessors(t *testing.T) {
	m := Message{ID: "m"}
	assert.Equal(t, "", m.Parent())
	assert.Equal(t, "", m.SelectedChild())

	p, c := "p", "c"
	m.ParentID = &p
	m.SelectedChildID = &c
	assert.Equal(t, "p", m.Parent())
	assert.Equal(t, "c", m.SelectedChild())
}

func TestMessageStatus_Terminal(t *testing.T) {
	assert.False(t, StatusGenerating.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
