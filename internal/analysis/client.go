package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/franckalain/ukcal/internal/logger"
	"github.com/franckalain/ukcal/internal/models"
)

var (
	ErrIncompleteResult = errors.New("analysis result has no nutrition summary")
	ErrJobFailed        = errors.New("analysis job failed")
)

// Analyzer runs one analysis of a captured media file
type Analyzer interface {
	Analyze(ctx context.Context, mediaURI, filename string, onProgress ProgressFunc) (*models.AnalysisResult, error)
}

// ClientConfig configures the remote analysis client
type ClientConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	PollInterval time.Duration
	CacheSize    int
}

// Client talks to the remote analysis service: presigned upload, confirm,
// status polling and results retrieval.
type Client struct {
	baseURL      string
	apiKey       string
	timeout      time.Duration
	pollInterval time.Duration
	http         *http.Client
	cache        *ResultsCache
	log          *logger.Logger
}

// NewClient creates a remote analysis client
func NewClient(cfg ClientConfig, log *logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("analysis base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	cache, err := NewResultsCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		timeout:      cfg.Timeout,
		pollInterval: cfg.PollInterval,
		http:         &http.Client{},
		cache:        cache,
		log:          log.WithComponent("analysis"),
	}, nil
}

type presignResponse struct {
	JobID     string `json:"job_id"`
	UploadURL string `json:"upload_url"`
}

type statusResponse struct {
	JobID    string   `json:"job_id"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Analyze uploads the media file and waits for the job to finish. The whole
// call is bounded by the client timeout; expiry is returned as an error.
func (c *Client) Analyze(ctx context.Context, mediaURI, filename string, onProgress ProgressFunc) (*models.AnalysisResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	report(onProgress, NewProgress(PhasePreparing))
	data, err := os.ReadFile(LocalPath(mediaURI))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	contentType := ContentTypeFor(filename)

	var presign presignResponse
	err = c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/upload", map[string]string{
		"type":         "presigned",
		"filename":     filename,
		"content_type": contentType,
	}, &presign)
	if err != nil {
		return nil, fmt.Errorf("request upload url: %w", err)
	}
	if presign.JobID == "" || presign.UploadURL == "" {
		return nil, fmt.Errorf("request upload url: incomplete response")
	}
	log := c.log.With("job_id", presign.JobID)

	report(onProgress, NewProgress(PhaseUploading))
	if err := c.upload(ctx, presign.UploadURL, contentType, data); err != nil {
		return nil, err
	}
	log.Debug("media uploaded", "bytes", len(data))

	err = c.doJSON(ctx, http.MethodPost, c.baseURL+"/api/upload", map[string]string{
		"type":   "confirm",
		"job_id": presign.JobID,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("confirm upload: %w", err)
	}

	report(onProgress, NewProgress(PhaseStarting))
	if err := c.waitForJob(ctx, presign.JobID, onProgress); err != nil {
		return nil, err
	}

	result, err := c.GetResults(ctx, presign.JobID, true)
	if err != nil {
		return nil, err
	}
	if !result.Complete() {
		return nil, ErrIncompleteResult
	}

	report(onProgress, NewProgress(PhaseComplete))
	log.Info("analysis completed", "meal", result.MealName)
	return result, nil
}

func (c *Client) upload(ctx context.Context, uploadURL, contentType string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload media: status %d", resp.StatusCode)
	}
	return nil
}

// waitForJob polls the job status until it completes, fails or ctx expires
func (c *Client) waitForJob(ctx context.Context, jobID string, onProgress ProgressFunc) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	statusURL := c.baseURL + "/api/status/" + url.PathEscape(jobID)
	for {
		var status statusResponse
		if err := c.doJSON(ctx, http.MethodGet, statusURL, nil, &status); err != nil {
			return fmt.Errorf("poll status: %w", err)
		}

		switch strings.ToLower(status.Status) {
		case "completed":
			return nil
		case "failed":
			reason := status.Error
			if reason == "" {
				reason = status.Message
			}
			return fmt.Errorf("%w: %s", ErrJobFailed, reason)
		}
		if p, ok := statusProgress(status); ok {
			report(onProgress, p)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("poll status: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// statusProgress prefers the numeric progress and falls back to the message
func statusProgress(s statusResponse) (Progress, bool) {
	if s.Progress != nil {
		f := *s.Progress
		if f > 1 {
			f /= 100
		}
		p := ProcessingFraction(f)
		p.Message = s.Message
		return p, true
	}
	if s.Message != "" {
		return ParseProgress(s.Message)
	}
	return ParseProgress(s.Status)
}

// GetResults fetches the detailed results of a job. Results are cached by
// job id; forceRefresh bypasses and replaces the cached value, which is how
// expired overlay URLs are renewed. Returned results must not be modified.
func (c *Client) GetResults(ctx context.Context, jobID string, forceRefresh bool) (*models.AnalysisResult, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if !forceRefresh {
		if cached, ok := c.cache.Get(jobID); ok {
			return cached, nil
		}
	}

	var result models.AnalysisResult
	resultsURL := c.baseURL + "/api/results/" + url.PathEscape(jobID) + "?detailed=true"
	if err := c.doJSON(ctx, http.MethodGet, resultsURL, nil, &result); err != nil {
		return nil, fmt.Errorf("get results: %w", err)
	}
	if result.JobID == "" {
		result.JobID = jobID
	}
	result.Normalize()

	if result.Complete() {
		c.cache.Add(jobID, &result)
	}
	return &result, nil
}

func (c *Client) doJSON(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, req.URL.Path, resp.StatusCode, truncate(string(respBody), 200))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
