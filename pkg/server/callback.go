package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/blobkit/proxy/pkg/types"
)

const callbackTimeout = 10 * time.Second

// validateCallbackURL enforces the callback URL rule: HTTPS-only,
// absolute, no embedded credentials.
func validateCallbackURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed callback URL: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("callback URL must be absolute")
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("callback URL must use https")
	}
	if u.User != nil {
		return nil, fmt.Errorf("callback URL must not embed credentials")
	}
	if u.Host == "" {
		return nil, fmt.Errorf("callback URL must have a host")
	}
	return u, nil
}

// fireCallback posts the write response to a validated callback URL on a
// best-effort basis. Its outcome is never allowed to change the write
// handler's response; a failed or dropped callback is acceptable,
// blocking the handler is not.
func fireCallback(rawURL string, resp *types.WriteResponse, logger *log.Logger) {
	u, err := validateCallbackURL(rawURL)
	if err != nil {
		logger.Printf("callback skipped for job %s: %v", resp.JobID, err)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		logger.Printf("callback skipped for job %s: encode response: %v", resp.JobID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		logger.Printf("callback skipped for job %s: build request: %v", resp.JobID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: callbackTimeout}
	httpResp, err := client.Do(req)
	if err != nil {
		logger.Printf("callback delivery failed for job %s: %v", resp.JobID, err)
		return
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 300 {
		logger.Printf("callback for job %s returned status %d", resp.JobID, httpResp.StatusCode)
	}
}
