// Package backend provides the HTTP client for the external processing
// backend (status, cancel, upload).
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/core"
	"github.com/ChicckenNoodleSoup/osimap-upload-tracker/pkg/security"
)

const defaultTimeout = 30 * time.Second

// Metadata describes an uploaded spreadsheet and the validation rules the
// backend should apply while converting it.
type Metadata struct {
	OriginalName           string   `json:"originalName"`
	SanitizedName          string   `json:"sanitizedName"`
	Size                   int64    `json:"size"`
	Type                   string   `json:"type"`
	RequiredColumns        []string `json:"requiredColumns"`
	SeverityCalcColumns    []string `json:"severityCalcColumns"`
	AllRequiredColumns     []string `json:"allRequiredColumns"`
	RequireYearInSheetName bool     `json:"requireYearInSheetName"`
}

// Validate checks the metadata before it is sent.
func (m *Metadata) Validate() error {
	if err := security.ValidateFileName(m.SanitizedName); err != nil {
		return err
	}
	if m.Size <= 0 || m.Size > security.MaxFileSize {
		return core.ErrFileTooLarge
	}
	for _, cols := range [][]string{m.RequiredColumns, m.SeverityCalcColumns, m.AllRequiredColumns} {
		if err := security.ValidateColumns(cols); err != nil {
			return err
		}
	}
	return nil
}

// Client talks to the processing backend.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status fetches the backend's current processing status.
func (c *Client) Status(ctx context.Context) (*core.BackendStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("backend: build status request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend: status returned %d", resp.StatusCode)
	}

	var status core.BackendStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("backend: decode status: %w", err)
	}
	return &status, nil
}

// Cancel asks the backend to stop the currently running job. Cancellation
// is cooperative; the canceled run surfaces as a failed completion on a
// later status poll.
func (c *Client) Cancel(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("backend: build cancel request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: cancel request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend: cancel returned %d", resp.StatusCode)
	}
	return nil
}

// uploadResponse is the backend's reply to a successful upload.
type uploadResponse struct {
	Filename         string            `json:"filename"`
	Error            string            `json:"error"`
	ValidationErrors map[string]string `json:"validationErrors"`
}

// Upload sends the file and its metadata as a multipart request and
// returns the stored filename.
func (c *Client) Upload(ctx context.Context, file io.Reader, meta Metadata) (string, error) {
	if err := meta.Validate(); err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", meta.SanitizedName)
	if err != nil {
		return "", fmt.Errorf("backend: build upload body: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("backend: read upload file: %w", err)
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("backend: marshal metadata: %w", err)
	}
	if err := mw.WriteField("metadata", string(metaJSON)); err != nil {
		return "", fmt.Errorf("backend: build upload body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("backend: build upload body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &body)
	if err != nil {
		return "", fmt.Errorf("backend: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("backend: upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return "", core.ErrAlreadyProcessing
	}

	// Error replies may not be JSON (empty body, proxy HTML); a decode
	// failure must not mask the status code.
	var ur uploadResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&ur)

	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil {
			if len(ur.ValidationErrors) > 0 {
				return "", fmt.Errorf("%w: %v", core.ErrInvalidMetadata, ur.ValidationErrors)
			}
			if ur.Error != "" {
				return "", fmt.Errorf("backend: upload rejected: %s", ur.Error)
			}
		}
		return "", fmt.Errorf("backend: upload returned %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("backend: decode upload response: %w", decodeErr)
	}
	return ur.Filename, nil
}
