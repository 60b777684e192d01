package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/common"
	"github.com/ternarybob/aviary/internal/models"
	"github.com/ternarybob/aviary/internal/ratelimit"
)

// tokenExpirySlack is subtracted from the advertised token lifetime so a
// token is refreshed before it can expire mid-batch.
const tokenExpirySlack = 30 * time.Second

// rate-limit code returned by the tabular service alongside HTTP 429
const codeRateLimited = 99991400

// invalid or expired tenant token codes
var authExpiredCodes = map[int]bool{
	99991661: true,
	99991663: true,
	99991668: true,
}

// Client talks to the external tabular service's REST API. All calls go
// through the rate governor: app-wide surface for token exchange and schema
// discovery, per-document surface for row writes.
type Client struct {
	httpClient *http.Client
	config     *common.UploaderConfig
	governor   *ratelimit.Governor
	logger     arbor.ILogger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates an API client
func NewClient(config *common.UploaderConfig, governor *ratelimit.Governor, logger arbor.ILogger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: config.TokenTimeout},
		config:     config,
		governor:   governor,
		logger:     logger,
	}
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"` // Seconds
}

// Token returns a cached tenant access token, exchanging credentials when the
// cache is empty or within the expiry slack. Credentials and tokens are never
// logged.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	if err := c.governor.AcquireApp(ctx); err != nil {
		return "", err
	}
	c.governor.RecordApp()

	body, err := json.Marshal(map[string]string{
		"app_id":     c.config.AppID,
		"app_secret": c.config.AppSecret,
	})
	if err != nil {
		return "", err
	}

	url := c.config.BaseURL + "/auth/v3/tenant_access_token/internal"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var response tokenResponse
	if err := c.do(req, &response); err != nil {
		return "", err
	}
	if response.Code != 0 {
		return "", classifyAPIError(0, response.Code, response.Msg)
	}

	c.mu.Lock()
	c.token = response.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(response.Expire)*time.Second - tokenExpirySlack)
	c.mu.Unlock()

	c.logger.Debug().Int("expire_seconds", response.Expire).Msg("Tenant token refreshed")
	return response.TenantAccessToken, nil
}

// InvalidateToken drops the cached token so the next call re-exchanges
func (c *Client) InvalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// FieldInfo describes one destination table column
type FieldInfo struct {
	FieldName string `json:"field_name"`
	Type      int    `json:"type"`
}

type fieldsResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Items []FieldInfo `json:"items"`
	} `json:"data"`
}

// Fields returns the destination table schema
func (c *Client) Fields(ctx context.Context, docToken, tableID string) ([]FieldInfo, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.governor.AcquireApp(ctx); err != nil {
		return nil, err
	}
	c.governor.RecordApp()

	url := fmt.Sprintf("%s/bitable/v1/apps/%s/tables/%s/fields", c.config.BaseURL, docToken, tableID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var response fieldsResponse
	if err := c.do(req, &response); err != nil {
		return nil, err
	}
	if response.Code != 0 {
		return nil, classifyAPIError(0, response.Code, response.Msg)
	}
	return response.Data.Items, nil
}

type batchCreateRequest struct {
	Records []rowFields `json:"records"`
}

type rowFields struct {
	Fields map[string]interface{} `json:"fields"`
}

type batchCreateResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Records []struct {
			RecordID string `json:"record_id"`
		} `json:"records"`
	} `json:"data"`
}

// BatchCreate writes up to one batch of rows and returns the number of rows
// the service confirmed, in submission order.
func (c *Client) BatchCreate(ctx context.Context, docToken, tableID string, rows []map[string]interface{}) (int, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return 0, err
	}

	if err := c.governor.AcquireDoc(ctx, docToken); err != nil {
		return 0, err
	}
	c.governor.RecordDoc(docToken)

	payload := batchCreateRequest{Records: make([]rowFields, 0, len(rows))}
	for _, fields := range rows {
		payload.Records = append(payload.Records, rowFields{Fields: fields})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	url := fmt.Sprintf("%s/bitable/v1/apps/%s/tables/%s/records/batch_create", c.config.BaseURL, docToken, tableID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	var response batchCreateResponse
	if err := c.do(req, &response); err != nil {
		return 0, err
	}
	if response.Code != 0 {
		return 0, classifyAPIError(0, response.Code, response.Msg)
	}
	return len(response.Data.Records), nil
}

// do executes the request and decodes the JSON envelope. Non-2xx statuses
// are classified before the body shape is considered.
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Tag(models.ErrKindTransientNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return models.Tag(models.ErrKindTransientNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The envelope code refines the classification when present
		var envelope struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.Unmarshal(body, &envelope)
		return classifyAPIError(resp.StatusCode, envelope.Code, envelope.Msg)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return models.Tag(models.ErrKindExtractionMalformed,
			fmt.Errorf("unexpected response shape: %w", err))
	}
	return nil
}

// classifyAPIError maps HTTP status and service codes onto the error taxonomy
func classifyAPIError(status, code int, msg string) error {
	err := fmt.Errorf("api error: status=%d code=%d msg=%s", status, code, msg)
	switch {
	case status == http.StatusTooManyRequests || code == codeRateLimited:
		return models.Tag(models.ErrKindRateLimit, err)
	case status == http.StatusUnauthorized || authExpiredCodes[code]:
		return models.Tag(models.ErrKindAuthExpired, err)
	case status == http.StatusForbidden:
		return models.Tag(models.ErrKindPermissionDenied, err)
	case status >= 500:
		return models.Tag(models.ErrKindTransientNetwork, err)
	default:
		return models.Tag(models.ErrKindConstraintViolation, err)
	}
}
