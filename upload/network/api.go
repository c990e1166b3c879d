package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

type initializeRequestBody struct {
	FileName       string `json:"filename"`
	FileSizeBytes  int64  `json:"file_size"`
	FileHash       string `json:"file_hash,omitempty"`
	ChunkSizeBytes int64  `json:"chunk_size_bytes,omitempty"`
}

type initializeResponse struct {
	ID             string `json:"id"`
	ChunkSizeBytes int64  `json:"chunk_size_bytes"`
	ChunkCount     int    `json:"chunk_count"`
}

type chunkResponse struct {
	Status string `json:"status"`
}

type statusResponse struct {
	Status        string `json:"status"`
	ChunkCount    int    `json:"chunk_count"`
	MissingChunks []int  `json:"missing_chunks"`
}

type finalizeResponse struct {
	ArtifactID string `json:"artifact_id"`
}

type artifactResponse struct {
	URL string `json:"url"`
}

// APIClient is the Transport implementation over the upload REST API.
// Control-plane calls (initialize, status, finalize, cancel) go through a
// retrying HTTP client; chunk bodies go through a plain tuned client
// because retry policy for chunks belongs to the transmission worker.
type APIClient struct {
	httpClient  *retryablehttp.Client
	chunkClient *http.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewAPIClient ...
func NewAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) *APIClient {
	return &APIClient{
		httpClient:  client,
		chunkClient: DefaultChunkHTTPClient(),
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

// DefaultChunkHTTPClient creates an HTTP client tuned for parallel chunk
// bodies. No client-level timeout: per-attempt timeouts are applied via
// request contexts by the worker.
func DefaultChunkHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// Initialize creates a new upload session.
func (c *APIClient) Initialize(ctx context.Context, initReq InitializeRequest) (InitializeResult, error) {
	url := fmt.Sprintf("%s/uploads/initialize", c.baseURL)

	body, err := json.Marshal(initializeRequestBody{
		FileName:       initReq.FileName,
		FileSizeBytes:  initReq.FileSizeBytes,
		FileHash:       initReq.ContentHash,
		ChunkSizeBytes: initReq.ChunkSizeBytes,
	})
	if err != nil {
		return InitializeResult{}, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return InitializeResult{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return InitializeResult{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return InitializeResult{}, unwrapError(resp)
	}

	var response initializeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return InitializeResult{}, err
	}

	return InitializeResult{
		SessionID:      response.ID,
		ChunkSizeBytes: response.ChunkSizeBytes,
		ChunkCount:     response.ChunkCount,
	}, nil
}

// UploadChunk performs a single chunk upload attempt.
func (c *APIClient) UploadChunk(ctx context.Context, sessionID string, index int, payload []byte) (ChunkState, error) {
	url := fmt.Sprintf("%s/uploads/%s/chunks/%d", c.baseURL, sessionID, index)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-Type", "application/octet-stream")
	if requestID, err := uuid.NewV4(); err == nil {
		req.Header.Set("X-Request-ID", requestID.String())
	}
	req.ContentLength = int64(len(payload))

	resp, err := c.chunkClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer c.closeBody(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return "", fmt.Errorf("chunk %d rejected: %w", index, ErrSessionExpired)
	case resp.StatusCode == http.StatusConflict:
		return "", &PermanentError{StatusCode: resp.StatusCode, Err: fmt.Errorf("chunk %d rejected, session is already finalizing: %w", index, unwrapError(resp))}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &PermanentError{StatusCode: resp.StatusCode, Err: unwrapError(resp)}
	default:
		return "", unwrapError(resp)
	}

	var response chunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("decode chunk response: %w", err)
	}

	switch ChunkState(response.Status) {
	case ChunkAccepted, ChunkAlreadyAccepted:
		return ChunkState(response.Status), nil
	default:
		return "", fmt.Errorf("unexpected chunk status %q", response.Status)
	}
}

// Status returns the server-authoritative session state.
func (c *APIClient) Status(ctx context.Context, sessionID string) (SessionState, error) {
	url := fmt.Sprintf("%s/uploads/%s/status", c.baseURL, sessionID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return SessionState{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SessionState{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return SessionState{}, ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return SessionState{}, unwrapError(resp)
	}

	var response statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return SessionState{}, err
	}

	return SessionState{
		Status:        response.Status,
		ChunkCount:    response.ChunkCount,
		MissingChunks: response.MissingChunks,
	}, nil
}

// Finalize triggers server-side assembly.
func (c *APIClient) Finalize(ctx context.Context, sessionID string) (string, error) {
	url := fmt.Sprintf("%s/uploads/%s/finalize", c.baseURL, sessionID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return "", ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return "", unwrapError(resp)
	}

	var response finalizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", err
	}
	if response.ArtifactID == "" {
		return "", fmt.Errorf("no artifact ID in finalize response")
	}

	return response.ArtifactID, nil
}

// Cancel destroys the session server-side.
func (c *APIClient) Cancel(ctx context.Context, sessionID string) error {
	url := fmt.Sprintf("%s/uploads/%s", c.baseURL, sessionID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	// A session the server already dropped counts as cancelled.
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil
	}
	return unwrapError(resp)
}

// ArtifactURL resolves the download URL of the assembled artifact.
func (c *APIClient) ArtifactURL(ctx context.Context, sessionID string) (string, error) {
	url := fmt.Sprintf("%s/uploads/%s/artifact", c.baseURL, sessionID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", unwrapError(resp)
	}

	var response artifactResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", err
	}
	if response.URL == "" {
		return "", fmt.Errorf("no artifact URL in response")
	}

	return response.URL, nil
}

func (c *APIClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
