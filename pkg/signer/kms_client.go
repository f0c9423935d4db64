package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// HTTPKMSClient is a minimal remote-signing KMSClient: every operation
// is a call-out to a signing service's REST surface, generalizing the
// "ask a remote service, get bytes back" shape documented on KMSSigner.
// The key material never enters process memory.
type HTTPKMSClient struct {
	baseURL string
	keyID   string
	http    *http.Client
}

// NewHTTPKMSClient constructs a KMSClient against a remote signing
// service reachable at baseURL, authenticating requests by keyID.
func NewHTTPKMSClient(baseURL, keyID string, timeout time.Duration) *HTTPKMSClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPKMSClient{baseURL: baseURL, keyID: keyID, http: &http.Client{Timeout: timeout}}
}

type kmsAddressResponse struct {
	Address string `json:"address"`
}

// Address fetches the signer's public address from the remote service.
func (c *HTTPKMSClient) Address() (common.Address, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/keys/"+c.keyID, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: build address request: %v", ErrUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: fetch address: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return common.Address{}, fmt.Errorf("%w: KMS address lookup returned %d", ErrUnavailable, resp.StatusCode)
	}

	var out kmsAddressResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return common.Address{}, fmt.Errorf("%w: decode address response: %v", ErrUnavailable, err)
	}
	return common.HexToAddress(out.Address), nil
}

type kmsSignRequest struct {
	Digest string `json:"digest"`
}

type kmsSignResponse struct {
	Signature string `json:"signature"`
}

// Sign requests a signature over digest from the remote service. A 401
// or 403 response from the signing endpoint is treated as ErrDenied (the
// backend refused to sign); any other failure, including any other
// non-200 status, as ErrUnavailable (transient, worth retrying).
func (c *HTTPKMSClient) Sign(digest []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.http.Timeout)
	defer cancel()

	body, err := json.Marshal(kmsSignRequest{Digest: hex.EncodeToString(digest)})
	if err != nil {
		return nil, fmt.Errorf("%w: encode sign request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/keys/"+c.keyID+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build sign request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send sign request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: KMS refused to sign (status %d)", ErrDenied, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: KMS sign returned %d", ErrUnavailable, resp.StatusCode)
	}

	var out kmsSignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode sign response: %v", ErrUnavailable, err)
	}
	sig, err := hex.DecodeString(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature hex: %v", ErrUnavailable, err)
	}
	return sig, nil
}
