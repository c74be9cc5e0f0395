// File: internal/captcha/external.go
// Description: HTTP client for the paid CAPTCHA-solving collaborator:
// submit(siteKey, pageURL) -> jobID, then poll(jobID) until terminal. Polling
// is paced by a rate limiter so a batch of concurrent runs cannot hammer the
// provider's result endpoint.

package captcha

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/formrelay/formrelay-cli/api/schemas"
	"github.com/formrelay/formrelay-cli/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProviderClient implements schemas.ExternalSolver over the provider's JSON
// API.
type ProviderClient struct {
	log     *zap.Logger
	httpc   *http.Client
	limiter *rate.Limiter
	cfg     config.ProviderConfig
}

// NewProviderClient builds the client; returns nil when no endpoint is
// configured so callers can treat the tier as absent.
func NewProviderClient(logger *zap.Logger, cfg config.ProviderConfig) *ProviderClient {
	if cfg.SubmitURL == "" || cfg.APIKey == "" {
		return nil
	}
	pollRate := cfg.PollRate
	if pollRate <= 0 {
		pollRate = 0.5
	}
	return &ProviderClient{
		log:     logger.Named("solver_api"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(pollRate), 1),
		cfg:     cfg,
	}
}

type submitRequest struct {
	Key     string `json:"key"`
	SiteKey string `json:"sitekey"`
	PageURL string `json:"pageurl"`
	Method  string `json:"method"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

type pollResponse struct {
	Status string `json:"status"` // pending | ready | failed
	Token  string `json:"token,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Submit registers the challenge with the provider and returns its job ID.
func (c *ProviderClient) Submit(ctx context.Context, siteKey, pageURL string) (string, error) {
	body, err := json.Marshal(submitRequest{
		Key:     c.cfg.APIKey,
		SiteKey: siteKey,
		PageURL: pageURL,
		Method:  "userrecaptcha",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SubmitURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("solver submit request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("solver submit returned HTTP %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding solver submit response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("solver rejected submission: %s", out.Error)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("solver returned no job id")
	}
	return out.JobID, nil
}

// Poll asks the result endpoint for the job's state, respecting the
// provider-wide rate limit.
func (c *ProviderClient) Poll(ctx context.Context, jobID string) (schemas.PollResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return schemas.PollResult{}, err
	}

	url := fmt.Sprintf("%s?key=%s&id=%s", c.cfg.ResultURL, c.cfg.APIKey, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return schemas.PollResult{}, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return schemas.PollResult{}, fmt.Errorf("solver poll request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return schemas.PollResult{}, fmt.Errorf("solver poll returned HTTP %d", resp.StatusCode)
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return schemas.PollResult{}, fmt.Errorf("decoding solver poll response: %w", err)
	}

	switch out.Status {
	case "ready":
		return schemas.PollResult{State: schemas.PollReady, Token: out.Token}, nil
	case "failed":
		c.log.Debug("Solver job failed", zap.String("job_id", jobID), zap.String("error", out.Error))
		return schemas.PollResult{State: schemas.PollFailed}, nil
	default:
		return schemas.PollResult{State: schemas.PollPending}, nil
	}
}
