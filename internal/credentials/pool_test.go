package credentials

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claude-bridge/internal/config"
	"claude-bridge/internal/crypto"
)

func TestPoolRoundRobinAndCooldown(t *testing.T) {
	p, err := NewPool([]config.Account{
		{ID: "a", Backend: config.BackendChat, BaseURL: "https://a.example", APIKey: "ka"},
		{ID: "b", Backend: config.BackendResponses, BaseURL: "https://b.example", APIKey: "kb"},
	}, nil)
	require.NoError(t, err)
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		acc, err := p.Pick(ctx, "claude-x")
		require.NoError(t, err)
		ids = append(ids, acc.ID)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, ids)

	p.MarkCooldown("a", 30*time.Second)
	for i := 0; i < 3; i++ {
		acc, err := p.Pick(ctx, "claude-x")
		require.NoError(t, err)
		assert.Equal(t, "b", acc.ID)
	}

	p.MarkCooldown("b", time.Minute)
	_, err = p.Pick(ctx, "claude-x")
	assert.ErrorIs(t, err, ErrAllCoolingOff)

	now = now.Add(31 * time.Second)
	acc, err := p.Pick(ctx, "claude-x")
	require.NoError(t, err)
	assert.Equal(t, "a", acc.ID)
}

func TestPoolModelFiltering(t *testing.T) {
	p, err := NewPool([]config.Account{
		{ID: "sonnet", BaseURL: "https://a.example", Models: []string{"claude-sonnet"}, Model: "gpt-4.1"},
		{ID: "opus", BaseURL: "https://b.example", Models: []string{"claude-opus", "claude-sonnet"}},
	}, nil)
	require.NoError(t, err)

	acc, err := p.Pick(context.Background(), "claude-opus")
	require.NoError(t, err)
	assert.Equal(t, "opus", acc.ID)
	assert.Equal(t, "claude-opus", acc.UpstreamModel("claude-opus"))

	_, err = p.Pick(context.Background(), "claude-haiku")
	assert.ErrorIs(t, err, ErrNoAccount)

	acc, err = p.Pick(context.Background(), "claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "sonnet", acc.ID)
	assert.Equal(t, "gpt-4.1", acc.UpstreamModel("claude-sonnet"))

	assert.Equal(t, []string{"claude-opus", "claude-sonnet"}, p.Models())
}

func TestPoolOpensSealedKeys(t *testing.T) {
	c, err := crypto.NewAESGCMFromBase64Key(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	sealed, err := c.SealString("sk-secret")
	require.NoError(t, err)

	p, err := NewPool([]config.Account{{ID: "a", BaseURL: "https://a.example", APIKey: sealed}}, c)
	require.NoError(t, err)
	acc, err := p.Pick(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", acc.Upstream.APIKey)

	_, err = NewPool([]config.Account{{ID: "a", BaseURL: "https://a.example", APIKey: sealed}}, nil)
	assert.ErrorContains(t, err, "sealed key")
}

func TestPoolPickHonoursContext(t *testing.T) {
	p, err := NewPool([]config.Account{{ID: "a", BaseURL: "https://a.example"}}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Pick(ctx, "m")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolDiscoverModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"id":"gpt-4.1"},{"id":"o4-mini"}]}`)
	}))
	defer srv.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	p, err := NewPool([]config.Account{
		{ID: "live", BaseURL: srv.URL},
		{ID: "down", BaseURL: down.URL},
		{ID: "fixed", BaseURL: "http://127.0.0.1:1", Models: []string{"claude-x"}},
	}, nil)
	require.NoError(t, err)

	err = p.Discover(context.Background())
	assert.ErrorContains(t, err, "account down")
	assert.Equal(t, []string{"claude-x", "gpt-4.1", "o4-mini"}, p.Models())

	// discovered models do not restrict routing
	acc, err := p.Pick(context.Background(), "claude-anything")
	require.NoError(t, err)
	assert.Equal(t, "live", acc.ID)
}
