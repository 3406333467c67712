package work

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequest(t *testing.T) {
	msg := redis.XMessage{
		ID: "1-0",
		Values: map[string]interface{}{
			payloadField: `{"id":"req-1","user_id":"u1","conversation_id":"c1","message":"hi"}`,
		},
	}

	req, err := decodeRequest(msg)
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, "hi", req.Message)
}

func TestDecodeRequestRejectsGarbage(t *testing.T) {
	for _, values := range []map[string]interface{}{
		{},
		{payloadField: "not json"},
		{payloadField: 42},
	} {
		_, err := decodeRequest(redis.XMessage{ID: "1-0", Values: values})
		assert.Error(t, err)
	}
}
