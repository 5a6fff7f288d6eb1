package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_ConfiguresPool(t *testing.T) {
	db, mock, err := sqlmock.NewWithDSN("carehub_open_ok", sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	logger, hook := test.NewNullLogger()
	opened, err := open(context.Background(), "sqlmock", ConnectionConfig{
		URL:      "carehub_open_ok",
		MaxConns: 7,
		MinConns: 2,
	}, logger)
	require.NoError(t, err)
	defer opened.Close()

	assert.Equal(t, 7, opened.Stats().MaxOpenConnections)
	assert.Equal(t, "Connected to PostgreSQL", hook.LastEntry().Message)
}

func TestOpen_Errors(t *testing.T) {
	logger, _ := test.NewNullLogger()

	_, err := Open(context.Background(), ConnectionConfig{}, logger)
	assert.ErrorContains(t, err, "URL is required")

	db, mock, err := sqlmock.NewWithDSN("carehub_open_fail", sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	_, err = open(context.Background(), "sqlmock", ConnectionConfig{URL: "carehub_open_fail", Timeout: time.Second}, logger)
	assert.ErrorContains(t, err, "failed to ping database")
}

func TestNewRedisClient(t *testing.T) {
	logger, _ := test.NewNullLogger()
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		client, err := NewRedisClient(ctx, RedisConfig{}, logger)
		require.NoError(t, err)
		assert.Nil(t, client)
	})

	t.Run("connects", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client, err := NewRedisClient(ctx, RedisConfig{URL: "redis://" + mr.Addr(), PoolSize: 4}, logger)
		require.NoError(t, err)
		defer client.Close()
		assert.Equal(t, 4, client.Options().PoolSize)
		assert.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	})

	t.Run("bad url", func(t *testing.T) {
		_, err := NewRedisClient(ctx, RedisConfig{URL: "http://nope"}, logger)
		assert.ErrorContains(t, err, "invalid redis URL")
	})

	t.Run("unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		_, err := NewRedisClient(ctx, RedisConfig{URL: "redis://" + addr, MaxRetries: 1}, logger)
		assert.ErrorContains(t, err, "failed to connect to redis")
	})
}
