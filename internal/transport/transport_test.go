package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPattern(t *testing.T) {
	assert.True(t, MatchPattern("events:org-a:*", "events:org-a:command_execution"))
	assert.True(t, MatchPattern("events:org-a:*", "events:org-a:"))
	assert.False(t, MatchPattern("events:org-a:*", "events:org-b:command_execution"))
	assert.True(t, MatchPattern("events:org-a:user_session", "events:org-a:user_session"))
	assert.False(t, MatchPattern("events:org-a:user_session", "events:org-a:command_execution"))
}

func TestChannelNaming(t *testing.T) {
	assert.Equal(t, "events:org-a:user_session", EventChannel("org-a", "user_session"))
	assert.Equal(t, "events:org-a:*", OrgPattern("org-a"))
}

func TestMemoryPublishSubscribe(t *testing.T) {
	m := NewMemory()

	var typed, wildcard [][]byte
	_, err := m.Subscribe(context.Background(), EventChannel("org-a", "command_execution"),
		func(_ string, payload []byte) { typed = append(typed, payload) })
	require.NoError(t, err)
	_, err = m.Subscribe(context.Background(), OrgPattern("org-a"),
		func(_ string, payload []byte) { wildcard = append(wildcard, payload) })
	require.NoError(t, err)

	require.NoError(t, m.Publish(context.Background(), EventChannel("org-a", "command_execution"), []byte(`1`)))
	require.NoError(t, m.Publish(context.Background(), EventChannel("org-a", "user_session"), []byte(`2`)))
	require.NoError(t, m.Publish(context.Background(), EventChannel("org-b", "user_session"), []byte(`3`)))

	assert.Len(t, typed, 1)
	assert.Len(t, wildcard, 2)
}

func TestMemoryUnsubscribe(t *testing.T) {
	m := NewMemory()

	var got int
	sub, err := m.Subscribe(context.Background(), OrgPattern("org-a"),
		func(string, []byte) { got++ })
	require.NoError(t, err)

	require.NoError(t, m.Publish(context.Background(), EventChannel("org-a", "x"), nil))
	require.NoError(t, sub.Close())
	require.NoError(t, m.Publish(context.Background(), EventChannel("org-a", "x"), nil))

	assert.Equal(t, 1, got)
}

func TestMemoryClosedRejects(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())

	require.Error(t, m.Publish(context.Background(), "c", nil))
	_, err := m.Subscribe(context.Background(), "c", func(string, []byte) {})
	require.Error(t, err)
}
