package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/civiceye/civic-eye-api/internal/classifier"
)

var _ classifier.Cache = (*RedisCache)(nil)

func newTestCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewRedisCache(Options{Addr: mr.Addr(), TTL: ttl})
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestPredictionRoundTrip(t *testing.T) {
	c, mr := newTestCache(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	want := &classifier.Prediction{
		Label:      "potholes_images",
		Department: "Department of Road and transport",
		Confidence: 0.7,
		Scores: map[string]float32{
			"garbage_images":         0.1,
			"potholes_images":        0.7,
			"sewage_drainage_images": 0.1,
			"street_light_images":    0.1,
		},
		LoadedOK: true,
	}
	require.NoError(t, c.SetPrediction(ctx, "abc", want))
	require.True(t, mr.Exists("prediction:abc"))
	require.Equal(t, time.Hour, mr.TTL("prediction:abc"))

	got, err := c.GetPrediction(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestMissReturnsNil(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	p, err := c.GetPrediction(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	c, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.SetPrediction(ctx, "abc", &classifier.Prediction{Label: "garbage_images"}))
	mr.FastForward(2 * time.Minute)

	p, err := c.GetPrediction(ctx, "abc")
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestCorruptEntryIsAnError(t *testing.T) {
	c, mr := newTestCache(t, time.Minute)
	require.NoError(t, mr.Set("prediction:abc", "{not json"))

	p, err := c.GetPrediction(context.Background(), "abc")
	require.Error(t, err)
	require.Nil(t, p)
}

func TestSharedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheWithClient(client, 0)
	defer c.Close()

	require.NoError(t, c.SetPrediction(context.Background(), "k", &classifier.Prediction{Label: "street_light_images"}))
	require.Equal(t, time.Duration(0), mr.TTL("prediction:k"))
}

func TestUnreachableRedisReportsErrors(t *testing.T) {
	c := NewRedisCache(Options{Addr: "127.0.0.1:1", TTL: time.Minute})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.Error(t, c.Ping(ctx))

	p, err := c.GetPrediction(ctx, "abc")
	require.Error(t, err)
	require.Nil(t, p)

	require.Error(t, c.SetPrediction(ctx, "abc", &classifier.Prediction{Label: "garbage_images"}))
}
