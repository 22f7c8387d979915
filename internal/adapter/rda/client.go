// Package rda talks to the upstream research data archive over HTTP:
// cookie-based login followed by authenticated file downloads.
package rda

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mesonet/ncarens-etl/internal/domain"
)

// Client downloads raw files from the archive. Sessions are tracked with a
// cookie jar populated by Login; every fetch gets exactly one retry after a
// pause, matching the archive's habit of dropping the first request.
type Client struct {
	httpClient *http.Client
	loginURL   string
	dataURL    string
	retryPause time.Duration
	logger     *slog.Logger
}

func NewClient(loginURL, dataURL string, retryPause time.Duration, logger *slog.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("rda: cookie jar: %w", err)
	}
	return &Client{
		httpClient: &http.Client{Jar: jar, Timeout: 10 * time.Minute},
		loginURL:   loginURL,
		dataURL:    strings.TrimRight(dataURL, "/"),
		retryPause: retryPause,
		logger:     logger,
	}, nil
}

// Login posts the account credentials and stores the session cookies.
func (c *Client) Login(ctx context.Context, username, password string) error {
	form := url.Values{
		"action": {"login"},
		"email":  {username},
		"passwd": {password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("rda: login: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rda: login: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rda: login: unexpected status %s", resp.Status)
	}
	return nil
}

// FetchFile downloads one remote path (relative to the archive's data root)
// into localPath. A failed attempt is retried once after the configured
// pause; the second failure is returned.
func (c *Client) FetchFile(ctx context.Context, remotePath, localPath string) error {
	remote := c.dataURL + "/" + strings.TrimLeft(remotePath, "/")

	err := c.fetchOnce(ctx, remote, localPath)
	if err == nil {
		return nil
	}
	c.logger.Warn("fetch failed; retrying once", "url", remote, "error", err)
	domain.Clock().Sleep(c.retryPause)

	if err := c.fetchOnce(ctx, remote, localPath); err != nil {
		return fmt.Errorf("rda: fetch %s: %w", remote, err)
	}
	return nil
}

func (c *Client) fetchOnce(ctx context.Context, remote, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp := localPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, localPath)
}
