package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplayHistoryAppendKeepsOrder(t *testing.T) {
	h := NewDisplayHistory()
	h.Append(NewChatMessage(RoleUser, "Hi"))
	h.Append(NewChatMessage(RoleAssistant, "Hello"), NewChatMessage(RoleUser, "How are you?"))

	msgs := h.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Hi", msgs[0].Text())
	assert.Equal(t, RoleAssistant, msgs[1].Role())
	assert.Equal(t, "How are you?", msgs[2].Text())
	assert.Equal(t, 3, h.Len())
}

func TestDisplayHistoryMessagesIsACopy(t *testing.T) {
	h := NewDisplayHistory(NewChatMessage(RoleUser, "Hi"))
	msgs := h.Messages()
	msgs[0] = NewChatMessage(RoleAssistant, "tampered")

	again := h.Messages()
	require.Len(t, again, 1)
	assert.Equal(t, "Hi", again[0].Text())
}

func TestDisplayHistoryClear(t *testing.T) {
	h := NewDisplayHistory(NewChatMessage(RoleUser, "Hi"), NewChatMessage(RoleAssistant, "Hello"))
	h.Clear()
	assert.Equal(t, 0, h.Len())
	assert.Empty(t, h.Messages())
}

func TestSuccessfulExchangesDropsFailedTurns(t *testing.T) {
	msgs := []Message{
		NewChatMessage(RoleUser, "one"),
		NewChatMessage(RoleAssistant, "reply one"),
		NewChatMessage(RoleUser, "two"),
		NewChatMessage(RoleAssistant, "Error getting chat response: boom", WithError()),
		NewChatMessage(RoleUser, "three"),
		NewChatMessage(RoleAssistant, "reply three"),
	}

	got := SuccessfulExchanges(msgs)
	require.Len(t, got, 4)
	assert.Equal(t, "one", got[0].Text())
	assert.Equal(t, "reply one", got[1].Text())
	assert.Equal(t, "three", got[2].Text())
	assert.Equal(t, "reply three", got[3].Text())
}

func TestMessageOptions(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewChatMessage(RoleAssistant, "oops\n", WithTime(ts), WithError())

	assert.True(t, m.IsError())
	assert.Equal(t, ts, m.Time())
	assert.Equal(t, "oops\n", m.String())

	j := m.JSON()
	assert.Equal(t, RoleAssistant, j.Role)
	assert.True(t, j.Error)
}

func TestDisplayHistorySuccessful(t *testing.T) {
	h := NewDisplayHistory(
		NewChatMessage(RoleUser, "one"),
		NewChatMessage(RoleAssistant, "Error getting chat response: boom", WithError()),
		NewChatMessage(RoleUser, "two"),
		NewChatMessage(RoleAssistant, "reply two"),
	)

	got := h.Successful()
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Text())
	assert.Equal(t, "reply two", got[1].Text())
	assert.Equal(t, 4, h.Len())
}
