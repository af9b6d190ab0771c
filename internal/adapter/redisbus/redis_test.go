package redisbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masterlinc/internal/usecase/relay"
)

var _ relay.PubSub = (*Client)(nil)

func TestDialRejectsBadURL(t *testing.T) {
	_, err := Dial(context.Background(), "http://cache:6379")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestDialUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, "redis://127.0.0.1:1/0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping")
}
