package redis

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/keel/internal/logger"
)

func validOptions(addr string) ConnectOptions {
	return ConnectOptions{
		Addr:           addr,
		DialTimeout:    50 * time.Millisecond,
		ConnectTimeout: 300 * time.Millisecond,
		RetryInterval:  20 * time.Millisecond,
		MaxWait:        50 * time.Millisecond,
		PingTimeout:    50 * time.Millisecond,
		WarnThreshold:  1,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validOptions("localhost:6379").validate())

	err := ConnectOptions{WarnThreshold: -1}.validate()
	require.Error(t, err)
	for _, want := range []string{"address is empty", "connect timeout", "retry interval", "max wait", "ping timeout", "warn threshold"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(context.Background(), ConnectOptions{}, logger.NewNop())
	assert.ErrorContains(t, err, "redis options")
}

func TestNew_GivesUpAfterConnectTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	began := time.Now()
	client, err := New(context.Background(), validOptions(addr), logger.NewNop())
	assert.Nil(t, client)
	assert.ErrorContains(t, err, "redis unavailable")
	assert.Less(t, time.Since(began), 2*time.Second)
}
