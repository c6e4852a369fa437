package types

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatMessageIgnoresExtraFields(t *testing.T) {
	var msg ChatMessage
	err := json.Unmarshal([]byte(`{"content":"hi","nonce":"abc","ts":123}`), &msg)
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
}

func TestChatRoundTrip(t *testing.T) {
	senderID := uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-0000000000a1")

	var inbound ChatMessage
	require.NoError(t, json.Unmarshal([]byte(`{"content":"hi"}`), &inbound))

	envelope := BroadcastMessage{
		Type:    MessageTypeChat,
		Sender:  SenderInfo{ID: senderID, Name: "Alice"},
		Content: inbound.Content,
	}
	payload, err := json.Marshal(envelope)
	require.NoError(t, err)

	var decoded BroadcastMessage
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "chat_message", decoded.Type)
	assert.Equal(t, senderID, decoded.Sender.ID)
	assert.Equal(t, "Alice", decoded.Sender.Name)
	assert.Equal(t, "hi", decoded.Content)
}

// Client-facing envelopes use "type"/"sessionId"; bus payloads use
// "event_type"/"session_id". Existing consumers depend on both shapes.
func TestWireKeysAreFrozen(t *testing.T) {
	sid := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	system, err := json.Marshal(SystemBroadcast{Type: "session.joined", SessionID: sid})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"session.joined","sessionId":"11111111-1111-1111-1111-111111111111"}`,
		string(system))

	var event EventPayload
	require.NoError(t, json.Unmarshal(
		[]byte(`{"event_type":"session.joined","session_id":"11111111-1111-1111-1111-111111111111"}`),
		&event))
	assert.Equal(t, "session.joined", event.EventType)
	assert.Equal(t, sid, event.SessionID)

	egress, err := json.Marshal(ChatMessageReceivedEvent{
		EventType: EventChatMessageReceived,
		SessionID: sid,
		UserID:    sid,
		UserName:  "Alice",
		Content:   "hi",
	})
	require.NoError(t, err)
	for _, key := range []string{`"event_type"`, `"session_id"`, `"user_id"`, `"user_name"`, `"content"`} {
		assert.Contains(t, string(egress), key)
	}
}
