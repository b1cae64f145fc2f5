package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"TrustLinks/internal/api"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/proof"
	"TrustLinks/internal/trust"
)

// Client connects to a trust node via HTTP.
type Client struct {
	baseURL string       // baseURL is the node root, without trailing slash
	http    *http.Client // http sends the requests
}

// NewClient creates a client for a node address ("127.0.0.1:8080" or a full URL).
func NewClient(nodeAddr string) *Client {
	if !strings.HasPrefix(nodeAddr, "http://") && !strings.HasPrefix(nodeAddr, "https://") {
		nodeAddr = "http://" + nodeAddr
	}

	return &Client{
		baseURL: strings.TrimRight(nodeAddr, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Health checks that the node answers.
func (c *Client) Health(ctx context.Context) error {
	return c.httpGet(ctx, c.baseURL+"/health", nil)
}

// Reputation fetches the layered report about target. A zero viewer asks for
// totals only; a non-positive depth uses the node default.
func (c *Client) Reputation(ctx context.Context, target, viewer identity.ID, depth int) (*trust.Report, error) {
	q := url.Values{}
	if !viewer.IsZero() {
		q.Set("viewer", viewer.String())
	}

	if depth > 0 {
		q.Set("depth", strconv.Itoa(depth))
	}

	u := c.baseURL + "/reputation/" + target.String()
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r trust.Report
	if err := c.httpGet(ctx, u, &r); err != nil {
		return nil, err
	}

	return &r, nil
}

// Given lists the attestations authored by author, newest first.
func (c *Client) Given(ctx context.Context, author identity.ID) ([]api.Record, error) {
	var out []api.Record
	if err := c.httpGet(ctx, c.baseURL+"/given/"+author.String(), &out); err != nil {
		return nil, err
	}

	return out, nil
}

// Received lists the attestations about subject, newest first.
func (c *Client) Received(ctx context.Context, subject identity.ID) ([]api.Record, error) {
	var out []api.Record
	if err := c.httpGet(ctx, c.baseURL+"/received/"+subject.String(), &out); err != nil {
		return nil, err
	}

	return out, nil
}

// Trust fetches the trust set of id and the root of its group.
func (c *Client) Trust(ctx context.Context, id identity.ID) (*api.TrustResponse, error) {
	var out api.TrustResponse
	if err := c.httpGet(ctx, c.baseURL+"/trust/"+id.String(), &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// TrustGroup returns id and the identities it vouches for, as seen by the node.
func (c *Client) TrustGroup(ctx context.Context, id identity.ID) ([]identity.ID, error) {
	tr, err := c.Trust(ctx, id)
	if err != nil {
		return nil, err
	}

	return identity.NewSet(append(tr.Trusted, id)...).Sorted(), nil
}

// Publish submits a signed record.
func (c *Client) Publish(ctx context.Context, ev *nostr.Event) error {
	return c.httpPostJSON(ctx, c.baseURL+"/events", ev, nil)
}

// Verify asks the node to verify p for target against members.
func (c *Client) Verify(ctx context.Context, p *proof.Proof, target identity.ID, members []identity.ID) (*api.VerifyResponse, error) {
	req := api.VerifyRequest{
		Proof:   *p,
		Target:  target.String(),
		Members: identity.NewSet(members...).Strings(),
	}

	var out api.VerifyResponse
	if err := c.httpPostJSON(ctx, c.baseURL+"/verify", req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// GroupRoot asks the node for the root of members.
func (c *Client) GroupRoot(ctx context.Context, members []identity.ID) (*api.RootResponse, error) {
	req := api.RootRequest{Members: identity.NewSet(members...).Strings()}

	var out api.RootResponse
	if err := c.httpPostJSON(ctx, c.baseURL+"/group/root", req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}
