package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"surveydss/dss"
)

type anonymizeRequest struct {
	Text string `json:"text"`
}

type anonymizeResponse struct {
	Text string `json:"text"`
}

// newHTTPAnonymizer wraps the external text-anonymization service. The
// transform is opaque; callers treat failures as non-fatal.
func newHTTPAnonymizer(client *http.Client, baseURL string) dss.Anonymizer {
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/v1/anonymize"
	return func(ctx context.Context, text string) (string, error) {
		body, err := json.Marshal(anonymizeRequest{Text: text})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			_, _ = io.Copy(io.Discard, resp.Body)
			return "", fmt.Errorf("anonymizer returned status %d", resp.StatusCode)
		}
		var decoded anonymizeResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return "", fmt.Errorf("decode anonymizer response: %w", err)
		}
		return decoded.Text, nil
	}
}
