package generation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMarkers(t *testing.T) {
	m, err := ResolveMarkers("english", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, RoleMarkers{User: "Human", Assistant: "Assistant"}, m)

	m, err = ResolveMarkers("Chinese", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, "用户", m.User)
	assert.Equal(t, "助手", m.Assistant)

	m, err = ResolveMarkers("english", "System", "", "Bot")
	require.NoError(t, err)
	assert.Equal(t, RoleMarkers{System: "System", User: "Human", Assistant: "Bot"}, m)

	_, err = ResolveMarkers("klingon", "", "", "")
	assert.Error(t, err)
}

func TestResolveSystemPrompt(t *testing.T) {
	assert.Equal(t, "be brief", ResolveSystemPrompt("be brief", "creative"))
	assert.Equal(t, SystemPrompt("technical"), ResolveSystemPrompt("  ", "technical"))
	assert.Equal(t, SystemPrompt("default"), SystemPrompt("does-not-exist"))
	assert.Equal(t, []string{"casual", "creative", "default", "technical"}, SystemPresetNames())
}
