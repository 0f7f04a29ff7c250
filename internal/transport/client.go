package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hearthsync/internal/config"
	"hearthsync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const maxErrorBody = 4 << 10

// Client talks JSON over HTTP to the server of record. It implements
// domain.Transport, domain.OutcomeQuerier and domain.Importer.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zerolog.Logger

	redis    *redis.Client
	cacheTTL time.Duration
}

type wireOperation struct {
	OperationID     string          `json:"operation_id"`
	EntityType      string          `json:"entity_type"`
	Op              models.Op       `json:"op"`
	LocalID         string          `json:"local_id"`
	ServerID        string          `json:"server_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
}

type batchRequest struct {
	RequestID  string          `json:"request_id"`
	Operations []wireOperation `json:"operations"`
}

type batchResponse struct {
	Results []models.OperationOutcome `json:"results"`
}

func NewClient(cfg config.TransportConfig, logger *zerolog.Logger) *Client {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	l := logger.With().Str("component", "transport").Logger()
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     &l,
	}
}

// HTTPClient exposes the underlying client, mainly to install test transports.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// UseRedisCache caches resolved batch outcomes. A resolved outcome never changes,
// so repeated recovery of the same request is served locally.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// SendBatch posts the operations under requestID. A transport-level failure
// is returned as an error and concerns the whole batch; per-operation answers
// are in the result.
func (c *Client) SendBatch(ctx context.Context, requestID string, ops []models.QueuedWrite) (models.BatchResult, error) {
	body := batchRequest{RequestID: requestID, Operations: make([]wireOperation, 0, len(ops))}
	for i := range ops {
		w := &ops[i]
		body.Operations = append(body.Operations, wireOperation{
			OperationID:     w.OperationID,
			EntityType:      w.EntityType,
			Op:              w.Op,
			LocalID:         w.Target.LocalID,
			ServerID:        w.Target.ServerID,
			Payload:         w.Payload,
			ClientTimestamp: w.ClientTimestamp,
		})
	}

	var resp batchResponse
	if _, err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/v1/sync/batch", body, &resp); err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("request_id", requestID).
		Int("operations", len(ops)).
		Int("results", len(resp.Results)).
		Msg("batch delivered")
	return normalize(resp.Results), nil
}

// QueryOutcome asks for the result of an earlier request. known is false when
// the server never saw requestID.
func (c *Client) QueryOutcome(ctx context.Context, requestID string) (models.BatchResult, bool, error) {
	cacheKey := "hearthsync:outcome:" + requestID
	var resp batchResponse
	if c.readCache(ctx, cacheKey, &resp) {
		return normalize(resp.Results), true, nil
	}

	endpoint := fmt.Sprintf("%s/api/v1/sync/batch/%s", c.baseURL, url.PathEscape(requestID))
	status, err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &resp)
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	c.writeCache(ctx, cacheKey, resp)
	return normalize(resp.Results), true, nil
}

// Import posts local-only entities for adoption into the account.
func (c *Client) Import(ctx context.Context, req models.ImportRequest) (models.ImportResponse, error) {
	var resp models.ImportResponse
	if _, err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/v1/import", req, &resp); err != nil {
		return models.ImportResponse{}, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, &models.TransientNetworkError{Err: err}
	}
	defer resp.Body.Close()

	if err := classify(resp); err != nil {
		return resp.StatusCode, err
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// the server acted but we cannot tell how; idempotent resend settles it
		return resp.StatusCode, &models.TransientNetworkError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return resp.StatusCode, nil
}

// classify maps a non-2xx response onto the error taxonomy. Throttling,
// server errors and auth failures are retried, as are 404 and 409: for a
// whole request they point at a misrouted endpoint or a request still being
// processed, not at the operations. Other 4xx are final.
func classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	reason := readReason(resp.Body)
	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusConflict:
		return &models.TransientNetworkError{StatusCode: resp.StatusCode, Err: errors.New(reason)}
	default:
		return &models.PermanentRejection{StatusCode: resp.StatusCode, Reason: reason}
	}
}

func readReason(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	var wrapped struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &wrapped) == nil {
		if wrapped.Error != "" {
			return wrapped.Error
		}
		if wrapped.Message != "" {
			return wrapped.Message
		}
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "empty response"
	}
	return text
}

// normalize indexes results and downgrades unknown statuses to transient.
func normalize(results []models.OperationOutcome) models.BatchResult {
	for i := range results {
		switch results[i].Kind {
		case models.OutcomeConfirmed, models.OutcomeRejected, models.OutcomeTransient:
		default:
			results[i].Reason = fmt.Sprintf("unknown status %q", results[i].Kind)
			results[i].Kind = models.OutcomeTransient
		}
	}
	return models.NewBatchResult(results)
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(val, out) == nil
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.cacheTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("outcome cache write failed")
	}
}
