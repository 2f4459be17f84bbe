package activation

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lmsbridge/internal/config"
	bridgeErrors "lmsbridge/internal/errors"
	"lmsbridge/internal/infrastructure"
	"lmsbridge/internal/signing"
)

// Client is the signed HTTP client for the remote control plane. All
// requests carry X-Instance-Id and X-Signature headers; GET requests sign a
// timestamp carried in X-Timestamp instead of a body.
type Client struct {
	baseURL       string
	deploymentURL string
	httpClient    *http.Client
}

// NewClient builds a Client from the remote configuration. Timeouts are
// deliberately short so a slow control plane cannot stall host threads.
func NewClient(cfg config.RemoteConfig) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}
	if cfg.InsecureSkipTLS {
		// Local development against a self-signed control plane only.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		deploymentURL: cfg.DeploymentURL,
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
	}
}

// ActivateRequest is the deployment registration+activation payload.
type ActivateRequest struct {
	ActivationCode    string `json:"activation_code"`
	Secret            string `json:"secret"`
	DeploymentURL     string `json:"deployment_url"`
	PluginVersion     string `json:"plugin_version"`
	ServiceCredential string `json:"service_credential"`
}

// DeploymentBootstrap is the optional registration data piggybacked onto a
// tenant activation so the control plane can lazily register the
// deployment on the first tenant's activation.
type DeploymentBootstrap struct {
	Secret        string `json:"secret"`
	DeploymentURL string `json:"deployment_url"`
	PluginVersion string `json:"plugin_version"`
}

// TenantActivateRequest is the tenant activation payload.
type TenantActivateRequest struct {
	TenantID          int64                `json:"tenant_id"`
	ActivationCode    string               `json:"activation_code"`
	ServiceCredential string               `json:"service_credential"`
	Deployment        *DeploymentBootstrap `json:"deployment,omitempty"`
}

// ActivateResponse is the control plane's activation response. Optional
// fields default to their zero values; absence is not an error.
type ActivateResponse struct {
	InstanceID    string           `json:"instance_id"`
	Secret        string           `json:"secret,omitempty"`
	ContractStart string           `json:"contract_start,omitempty"`
	ContractEnd   string           `json:"contract_end,omitempty"`
	Features      map[string]bool  `json:"features,omitempty"`
	Superadmins   []SuperadminSpec `json:"superadmins,omitempty"`
}

// StatusResponse is the control plane's status poll response.
type StatusResponse struct {
	Status   string          `json:"status"`
	Features map[string]bool `json:"features,omitempty"`
}

// RemoteFailure is a non-200 response with its error fields preserved
// verbatim for the caller.
type RemoteFailure struct {
	StatusCode int
	ErrorCode  string
	Message    string
	Detail     string
}

// SignatureRelated reports whether the failure detail points at a
// signature mismatch. A mismatched secret is recoverable by re-activation
// and must never be treated as a remote-side disable.
func (f *RemoteFailure) SignatureRelated() bool {
	if f == nil {
		return false
	}
	detail := strings.ToLower(f.Detail + " " + f.Message + " " + f.ErrorCode)
	return strings.Contains(detail, "signature")
}

// EventsResult is the outcome of a batch ingestion call.
type EventsResult struct {
	StatusCode int
	Accepted   int
	Snippet    string
	Failure    *RemoteFailure
}

// Activate POSTs a deployment registration+activation request.
func (c *Client) Activate(ctx context.Context, req ActivateRequest, instanceID string) (*ActivateResponse, *RemoteFailure, error) {
	return c.postActivation(ctx, c.baseURL+"/activate", req, req.Secret, instanceID)
}

// ActivateTenant POSTs a tenant activation request, signed with the
// deployment secret snapshot taken by the caller.
func (c *Client) ActivateTenant(ctx context.Context, req TenantActivateRequest, secret, instanceID string) (*ActivateResponse, *RemoteFailure, error) {
	return c.postActivation(ctx, c.baseURL+"/activate-tenant", req, secret, instanceID)
}

func (c *Client) postActivation(ctx context.Context, endpoint string, body interface{}, secret, instanceID string) (*ActivateResponse, *RemoteFailure, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal activation request: %w", err)
	}

	respBody, statusCode, err := c.do(ctx, http.MethodPost, endpoint, payload, secret, instanceID, "")
	if err != nil {
		return nil, nil, err
	}

	if statusCode != http.StatusOK {
		return nil, parseFailure(statusCode, respBody), nil
	}

	var resp ActivateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, nil, fmt.Errorf("parse activation response: %w", err)
	}
	return &resp, nil, nil
}

// Status GETs the remote status endpoint. The signed payload is the
// current timestamp, carried in X-Timestamp.
func (c *Client) Status(ctx context.Context, secret, instanceID string) (*StatusResponse, *RemoteFailure, error) {
	timestamp := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	endpoint := fmt.Sprintf("%s/status?deployment_url=%s", c.baseURL, url.QueryEscape(c.deploymentURL))

	respBody, statusCode, err := c.do(ctx, http.MethodGet, endpoint, []byte(timestamp), secret, instanceID, timestamp)
	if err != nil {
		return nil, nil, err
	}

	if statusCode != http.StatusOK {
		return nil, parseFailure(statusCode, respBody), nil
	}

	var resp StatusResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, nil, fmt.Errorf("parse status response: %w", err)
	}
	return &resp, nil, nil
}

// SendEvents POSTs a signed batch of flattened events to the ingestion
// endpoint. payload must already be the serialized JSON array; the exact
// bytes sent are the bytes signed.
func (c *Client) SendEvents(ctx context.Context, payload []byte, secret, instanceID string) (*EventsResult, error) {
	respBody, statusCode, err := c.do(ctx, http.MethodPost, c.baseURL+"/events", payload, secret, instanceID, "")
	if err != nil {
		return nil, err
	}

	result := &EventsResult{
		StatusCode: statusCode,
		Snippet:    string(respBody),
	}
	if statusCode != http.StatusOK {
		result.Failure = parseFailure(statusCode, respBody)
		return result, nil
	}

	var resp struct {
		Accepted int `json:"accepted"`
	}
	if err := json.Unmarshal(respBody, &resp); err == nil {
		result.Accepted = resp.Accepted
	}
	return result, nil
}

// do executes one signed request and returns the response body and status.
// Network and timeout errors are wrapped as ErrConnectionFailed.
func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte, secret, instanceID, timestamp string) ([]byte, int, error) {
	var reqBody io.Reader
	if method != http.MethodGet {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create %s request: %w", method, err)
	}

	if instanceID == "" {
		instanceID = config.PendingInstanceID
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "LMSBridge-Client/1.0")
	req.Header.Set("X-Instance-Id", instanceID)
	req.Header.Set("X-Signature", signing.Sign(secret, payload))
	if timestamp != "" {
		req.Header.Set("X-Timestamp", timestamp)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		infrastructure.LoggerWithContext(ctx).Warn("control plane request failed",
			slog.String("action", "remote_request"),
			slog.String("method", method),
			slog.String("endpoint", endpoint),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return nil, 0, fmt.Errorf("%w: %v", bridgeErrors.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read response: %v", bridgeErrors.ErrConnectionFailed, err)
	}

	infrastructure.LoggerWithContext(ctx).Debug("control plane request completed",
		slog.String("action", "remote_request"),
		slog.String("method", method),
		slog.String("endpoint", endpoint),
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)
	return respBody, resp.StatusCode, nil
}

// parseFailure extracts error fields from a non-200 response body,
// preserving the remote code and message verbatim. Bodies that are not
// JSON objects become the detail as-is.
func parseFailure(statusCode int, body []byte) *RemoteFailure {
	failure := &RemoteFailure{StatusCode: statusCode}

	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		failure.Detail = strings.TrimSpace(string(body))
		return failure
	}

	failure.ErrorCode = parsed.Error
	failure.Message = parsed.Message
	failure.Detail = parsed.Detail
	return failure
}
