package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestReplyEncodeDecode(t *testing.T) {
	reply := ProgressReply("req-1", 42.5, "halfway there")

	data, err := reply.Encode()
	require.NoError(t, err)

	got, err := DecodeReply(data)
	require.NoError(t, err)
	assert.Equal(t, reply, got)
}

func TestReplyEncodeRequiresRequestID(t *testing.T) {
	_, err := Reply{Status: StatusCompleted}.Encode()
	assert.Error(t, err)
}

func TestDecodeReplyRejectsInvalidPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"request_id": "x"`,
		"missing id":      `{"status": 1}`,
		"empty id":        `{"request_id": "", "status": 1}`,
		"status too big":  `{"request_id": "x", "status": 9}`,
		"status not int":  `{"request_id": "x", "status": "done"}`,
		"progress beyond": `{"request_id": "x", "status": 0, "progress": 150}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeReply([]byte(payload))
			assert.Error(t, err)
		})
	}
}

func TestDecodeReplyIgnoresExtraFields(t *testing.T) {
	got, err := DecodeReply([]byte(`{"request_id": "x", "status": 1, "worker": "road-7"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestReplyStatusTerminal(t *testing.T) {
	assert.False(t, StatusInProgress.Terminal())
	for _, s := range []ReplyStatus{StatusCompleted, StatusFailed, StatusTimeout, StatusConsumerNotFound} {
		assert.True(t, s.Terminal(), s.String())
	}
}

func TestSyntheticReplies(t *testing.T) {
	timeout := TimeoutReply("req-9")
	assert.Equal(t, StatusTimeout, timeout.Status)
	assert.Equal(t, "req-9", timeout.RequestID)

	missing := ConsumerNotFoundReply("req-9")
	assert.Equal(t, StatusConsumerNotFound, missing.Status)
}

func TestReplyRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reply := Reply{
			RequestID: rapid.StringMatching(`[a-z0-9-]{1,36}`).Draw(t, "id"),
			Status:    ReplyStatus(rapid.IntRange(0, 4).Draw(t, "status")),
			Progress:  float64(rapid.IntRange(0, 100).Draw(t, "progress")),
			Message:   rapid.StringMatching(`[ -~]{0,40}`).Draw(t, "message"),
		}
		data, err := reply.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := DecodeReply(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != reply {
			t.Fatalf("round trip mismatch: %v != %v", got, reply)
		}
	})
}
