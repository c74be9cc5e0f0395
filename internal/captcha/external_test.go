package captcha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/formrelay/formrelay-cli/api/schemas"
	"github.com/formrelay/formrelay-cli/internal/config"
)

func providerCfg(submitURL, resultURL string) config.ProviderConfig {
	return config.ProviderConfig{
		APIKey:    "test-key",
		SubmitURL: submitURL,
		ResultURL: resultURL,
		PollRate:  100, // effectively unthrottled in tests
	}
}

func TestNewProviderClient_NilWhenUnconfigured(t *testing.T) {
	assert.Nil(t, NewProviderClient(zap.NewNop(), config.ProviderConfig{}))
	assert.Nil(t, NewProviderClient(zap.NewNop(), config.ProviderConfig{SubmitURL: "https://s.example"}))
	assert.Nil(t, NewProviderClient(zap.NewNop(), config.ProviderConfig{APIKey: "k"}))
}

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-key", req.Key)
		assert.Equal(t, "site-key-123", req.SiteKey)
		assert.Equal(t, "https://target.example/contact", req.PageURL)
		assert.Equal(t, "userrecaptcha", req.Method)

		json.NewEncoder(w).Encode(submitResponse{JobID: "job-42"})
	}))
	defer srv.Close()

	c := NewProviderClient(zap.NewNop(), providerCfg(srv.URL, srv.URL))
	require.NotNil(t, c)

	jobID, err := c.Submit(context.Background(), "site-key-123", "https://target.example/contact")
	require.NoError(t, err)
	assert.Equal(t, "job-42", jobID)
}

func TestSubmit_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(submitResponse{Error: "bad sitekey"})
	}))
	defer srv.Close()

	c := NewProviderClient(zap.NewNop(), providerCfg(srv.URL, srv.URL))
	_, err := c.Submit(context.Background(), "x", "y")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad sitekey")
}

func TestSubmit_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewProviderClient(zap.NewNop(), providerCfg(srv.URL, srv.URL))
	_, err := c.Submit(context.Background(), "x", "y")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestPoll_States(t *testing.T) {
	responses := map[string]pollResponse{
		"job-pending": {Status: "pending"},
		"job-ready":   {Status: "ready", Token: "tok-abc"},
		"job-failed":  {Status: "failed", Error: "unsolvable"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		json.NewEncoder(w).Encode(responses[r.URL.Query().Get("id")])
	}))
	defer srv.Close()

	c := NewProviderClient(zap.NewNop(), providerCfg(srv.URL, srv.URL))

	res, err := c.Poll(context.Background(), "job-pending")
	require.NoError(t, err)
	assert.Equal(t, schemas.PollPending, res.State)

	res, err = c.Poll(context.Background(), "job-ready")
	require.NoError(t, err)
	assert.Equal(t, schemas.PollReady, res.State)
	assert.Equal(t, "tok-abc", res.Token)

	res, err = c.Poll(context.Background(), "job-failed")
	require.NoError(t, err)
	assert.Equal(t, schemas.PollFailed, res.State)
}

func TestPoll_RespectsCancelledContext(t *testing.T) {
	c := NewProviderClient(zap.NewNop(), config.ProviderConfig{
		APIKey:    "k",
		SubmitURL: "https://solver.example/submit",
		ResultURL: "https://solver.example/result",
		PollRate:  0.001, // limiter forces a long wait the context cuts short
	})
	require.NotNil(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Poll(ctx, "job-1")
	require.Error(t, err)
}
