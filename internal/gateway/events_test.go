package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want InboundEvent
	}{
		{
			name: "user created",
			body: `{"type":"user.created","clientId":"c1","data":{"userId":"u1"}}`,
			want: UserCreated{UserID: "u1"},
		},
		{
			name: "conversation started",
			body: `{"type":"conversation.started","clientId":"c1","data":{"userId":"u1","conversationId":"conv1","channel":"slack"}}`,
			want: ConversationStarted{UserID: "u1", ConversationID: "conv1", Channel: "slack"},
		},
		{
			name: "message feedback",
			body: `{"type":"message.feedback","clientId":"c1","data":{"userId":"u1","messageId":"m1","feedback":-1}}`,
			want: MessageFeedback{UserID: "u1", MessageID: "m1", Feedback: -1},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			clientID, event, err := DecodeEnvelope([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, "c1", clientID)
			assert.Equal(t, tc.want, event)
		})
	}
}

func TestDecodeEnvelopeMessageNew(t *testing.T) {
	t.Parallel()

	body := `{"type":"message.new","clientId":"c1","data":{"userId":"u1","conversationId":"conv1","channel":"telegram","collect":true,"message":{"id":"m1","conversationId":"conv1","authorId":"u1","payload":{"type":"text","text":"hello"}}}}`
	clientID, event, err := DecodeEnvelope([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "c1", clientID)

	msg, ok := event.(MessageNew)
	require.True(t, ok)
	assert.True(t, msg.Collect)
	assert.Equal(t, "m1", msg.Message.ID)
	assert.Equal(t, "text", msg.Message.Payload["type"])
}

func TestDecodeEnvelopeRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"type":`},
		{name: "missing client id", body: `{"type":"user.created","data":{}}`},
		{name: "unknown type", body: `{"type":"user.deleted","clientId":"c1","data":{}}`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := DecodeEnvelope([]byte(tc.body))
			assert.Error(t, err)
		})
	}
}

func TestDispatcherWithoutHandlerDropsEvent(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil)
	err := d.Dispatch(context.Background(), "c1", UserCreated{UserID: "u1"})
	assert.NoError(t, err)
}

func TestDispatcherForwardsToHandler(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil)
	var got InboundEvent
	d.Subscribe(func(ctx context.Context, clientID string, event InboundEvent) error {
		got = event
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), "c1", UserCreated{UserID: "u1"}))
	assert.Equal(t, UserCreated{UserID: "u1"}, got)
}
