package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssistantRequiresNameAndModel(t *testing.T) {
	_, err := NewAssistant("asst_1", "u1", "", "gpt-x")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = NewAssistant("asst_1", "u1", "Helper", " ")
	assert.ErrorIs(t, err, ErrInvalid)

	a, err := NewAssistant("asst_1", "u1", "Helper", "gpt-x")
	require.NoError(t, err)
	assert.Equal(t, CapabilityFileSearch, a.Capability)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestNormalizeCapability(t *testing.T) {
	assert.Equal(t, CapabilityFileSearch, NormalizeCapability("retrieval"))
	assert.Equal(t, CapabilityFileSearch, NormalizeCapability(""))
	assert.Equal(t, CapabilityCodeInterpreter, NormalizeCapability(" Code_Interpreter "))
}

func TestMessageValidate(t *testing.T) {
	m := Message{ThreadHandle: "thread_1", Role: RoleUser, Text: "hello"}
	require.NoError(t, m.Validate())

	m.Text = "  "
	assert.ErrorIs(t, m.Validate(), ErrInvalid)

	m.Text = "hello"
	m.Role = "system"
	assert.ErrorIs(t, m.Validate(), ErrInvalid)

	m.Role = RoleAssistant
	m.ThreadHandle = ""
	assert.ErrorIs(t, m.Validate(), ErrInvalid)
}

func TestParseRoleAcceptsLegacyBot(t *testing.T) {
	r, ok := ParseRole("bot")
	assert.True(t, ok)
	assert.Equal(t, RoleAssistant, r)

	_, ok = ParseRole("system")
	assert.False(t, ok)
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.FixedZone("x", 3600))
	assert.True(t, now.Equal(ParseTime(FormatTime(now))))
	assert.True(t, ParseTime("garbage").IsZero())
	assert.Equal(t, "", FormatTime(time.Time{}))
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunQueued.Terminal())
	assert.False(t, RunInProgress.Terminal())
	assert.False(t, RunCancelling.Terminal())
	assert.True(t, RunCompleted.Terminal())
	assert.True(t, RunCancelled.Terminal())
	assert.True(t, RunExpired.Terminal())
}

func TestUserCanUseAPI(t *testing.T) {
	assert.False(t, (&User{Role: UserRoleUser, Active: true}).CanUseAPI())
	assert.False(t, (&User{Role: UserRoleAdmin, Active: false}).CanUseAPI())
	assert.True(t, (&User{Role: UserRoleAdmin, Active: true}).CanUseAPI())
}

func TestConversationKey(t *testing.T) {
	assert.Equal(t, "asst_1:u1", ConversationKey(" asst_1", "u1 "))
}
