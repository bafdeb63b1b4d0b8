package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c360studio/otaagent/manifest"
)

// allowedSchemes restricts payload sources to HTTP(S).
var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// HTTPDownloader fetches payloads over HTTP(S) with transient-error
// retry. Hash verification is the caller's job; the downloader only
// guarantees the bytes landed where asked.
type HTTPDownloader struct {
	client      *http.Client
	maxAttempts uint64
	logger      *slog.Logger
}

// NewHTTPDownloader creates a downloader with the given per-request
// timeout and retry budget.
func NewHTTPDownloader(timeout time.Duration, maxAttempts uint64, logger *slog.Logger) *HTTPDownloader {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	return &HTTPDownloader{
		client:      &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Download implements Downloader. Transient failures (connect errors,
// 5xx) are retried with exponential backoff; 4xx responses are permanent.
func (d *HTTPDownloader) Download(ctx context.Context, entity manifest.FileEntity, targetPath string) error {
	if err := validateSource(entity.URL); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.maxAttempts-1), ctx)
	attempt := 0

	return backoff.Retry(func() error {
		attempt++
		err := d.fetchOnce(ctx, entity, targetPath)
		if err != nil {
			d.logger.Warn("Payload download attempt failed",
				"file_id", entity.FileId,
				"attempt", attempt,
				"error", err)
		}
		return err
	}, policy)
}

func (d *HTTPDownloader) fetchOnce(ctx context.Context, entity manifest.FileEntity, targetPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entity.URL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", entity.FileId, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("fetch %s: server status %d", entity.FileId, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return backoff.Permanent(fmt.Errorf("fetch %s: status %d", entity.FileId, resp.StatusCode))
	}

	tmp, err := os.CreateTemp(filepath.Dir(targetPath), ".download-*")
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create temp file: %w", err))
	}
	defer os.Remove(tmp.Name())

	body := io.Reader(resp.Body)
	if entity.SizeInBytes > 0 {
		// One extra byte so an oversized body is detectable downstream by
		// the size check rather than silently truncated to a passing size.
		body = io.LimitReader(resp.Body, entity.SizeInBytes+1)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return backoff.Permanent(fmt.Errorf("close payload: %w", err))
	}
	if err := os.Rename(tmp.Name(), targetPath); err != nil {
		return backoff.Permanent(fmt.Errorf("place payload: %w", err))
	}
	return nil
}

func validateSource(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid payload url: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if !allowedSchemes[scheme] {
		return fmt.Errorf("protocol %q not allowed; must be http or https", scheme)
	}
	return nil
}

// SandboxTarget joins a target filename onto the sandbox and rejects
// escapes, so a manifest cannot write outside the workflow's scratch
// directory.
func SandboxTarget(sandbox, fileName string) (string, error) {
	if fileName == "" {
		return "", fmt.Errorf("target file name is required")
	}
	if strings.Contains(fileName, "..") {
		return "", fmt.Errorf("path traversal not allowed in %q", fileName)
	}
	path := filepath.Join(sandbox, fileName)
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid target path: %w", err)
	}
	absBase, err := filepath.Abs(sandbox)
	if err != nil {
		return "", fmt.Errorf("invalid sandbox path: %w", err)
	}
	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("target %q escapes the sandbox", fileName)
	}
	return path, nil
}
