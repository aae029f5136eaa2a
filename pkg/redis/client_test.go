package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_ConnectsAndPings(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	c, err := NewClient(context.Background(), DefaultConnectionConfig("redis://"+mr.Addr()+"/0"), logger)
	require.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Raw().Set(context.Background(), "k", "v", 0).Err())
	assert.True(t, mr.Exists("k"))
}

func TestNewClient_Failures(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	_, err := NewClient(context.Background(), DefaultConnectionConfig("not a url"), logger)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := DefaultConnectionConfig("redis://" + addr)
	cfg.MaxRetries = -1
	_, err = NewClient(context.Background(), cfg, logger)
	assert.Error(t, err)
}
