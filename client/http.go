package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// StatusError is a non-success answer from the node.
type StatusError struct {
	Method  string
	URL     string
	Status  int
	Message string // Message is the "error" field of the body, if any
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
	}

	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Message)
}

// httpGet performs a GET request and decodes the JSON response.
func (c *Client) httpGet(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", url, err)
	}

	return c.do(req, result, http.StatusOK)
}

// httpPostJSON performs a POST request with JSON body and decodes the JSON response.
func (c *Client) httpPostJSON(ctx context.Context, url string, body any, result any) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", url, err)
	}

	req.Header.Set("Content-Type", "application/json")

	return c.do(req, result, http.StatusOK, http.StatusAccepted)
}

// do sends req and decodes the body when the status is one of ok.
func (c *Client) do(req *http.Request, result any, ok ...int) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", req.Method, req.URL, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	for _, status := range ok {
		if resp.StatusCode == status {
			if result == nil {
				return nil
			}

			return json.NewDecoder(resp.Body).Decode(result)
		}
	}

	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	return &StatusError{
		Method:  req.Method,
		URL:     req.URL.String(),
		Status:  resp.StatusCode,
		Message: body.Error,
	}
}
