package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPReviewer is an HTTP implementation of the Reviewer and Consultant
// interfaces backed by the agent invoker sidecar.
type HTTPReviewer struct {
	url    string
	client *http.Client
}

// NewHTTPReviewer creates a new HTTPReviewer. A zero timeout leaves requests
// bounded only by their context.
func NewHTTPReviewer(url string, timeout time.Duration) *HTTPReviewer {
	return &HTTPReviewer{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// Decide posts the review request and returns the approver's verdict.
func (c *HTTPReviewer) Decide(ctx context.Context, reviewReq ReviewRequest) (*Verdict, error) {
	var verdict Verdict
	if err := c.post(ctx, "/review", reviewReq.Approver, reviewReq, &verdict); err != nil {
		return nil, err
	}
	if verdict.Reviewer == "" {
		verdict.Reviewer = reviewReq.Approver
	}
	return &verdict, nil
}

// Consult posts a question to an agent and returns its guidance.
func (c *HTTPReviewer) Consult(ctx context.Context, consultReq ConsultRequest) (*Guidance, error) {
	var guidance Guidance
	if err := c.post(ctx, "/consult", consultReq.AgentID, consultReq, &guidance); err != nil {
		return nil, err
	}
	if guidance.Agent == "" {
		guidance.Agent = consultReq.AgentID
	}
	return &guidance, nil
}

func (c *HTTPReviewer) post(ctx context.Context, path, agentID string, body, out any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to get %s from %s: status code %d", strings.TrimPrefix(path, "/"), agentID, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}
