// Package github answers whether the server's GitHub token can reach a
// repository, so the task UI can warn before an agent is sent off to work
// against a repo it cannot clone.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidRepository is returned for names that are not "owner/name".
var ErrInvalidRepository = errors.New("invalid repository name")

// Permissions mirrors the permissions block of the repository API.
type Permissions struct {
	Admin bool `json:"admin"`
	Push  bool `json:"push"`
	Pull  bool `json:"pull"`
}

// AccessResult is the verify-access response. Failures that are useful to
// show the user (no token, 404, rate limit) land in Error rather than
// aborting the request.
type AccessResult struct {
	HasAccess   bool         `json:"hasAccess"`
	Repository  string       `json:"repository,omitempty"`
	Permissions *Permissions `json:"permissions,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Client talks to the GitHub REST API with the server-side token.
type Client struct {
	token string
	base  string
	http  *http.Client
}

// NewClient creates a Client. An empty token is allowed; every check then
// reports missing credentials.
func NewClient(token string) *Client {
	return &Client{
		token: token,
		base:  "https://api.github.com",
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// VerifyAccess checks that the configured token can see repository
// ("owner/name"). Malformed names return ErrInvalidRepository; everything
// else, including network trouble, is reported inside the result.
func (c *Client) VerifyAccess(ctx context.Context, repository string) (*AccessResult, error) {
	owner, name, err := splitRepository(repository)
	if err != nil {
		return nil, err
	}

	if c.token == "" {
		return &AccessResult{Error: "no GitHub token configured"}, nil
	}

	url := fmt.Sprintf("%s/repos/%s/%s", c.base, owner, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.http.Do(req)
	if err != nil {
		return &AccessResult{Error: "network error reaching GitHub"}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body struct {
			FullName    string       `json:"full_name"`
			Permissions *Permissions `json:"permissions"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return &AccessResult{Error: "unexpected response from GitHub"}, nil
		}
		return &AccessResult{
			HasAccess:   true,
			Repository:  body.FullName,
			Permissions: body.Permissions,
		}, nil
	case resp.StatusCode == http.StatusNotFound:
		// GitHub answers 404 both for missing repos and for repos the
		// token cannot see.
		return &AccessResult{Error: "repository not found or not accessible"}, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return &AccessResult{Error: "GitHub token rejected"}, nil
	case resp.StatusCode == http.StatusForbidden:
		return &AccessResult{Error: "access forbidden (token scope or rate limit)"}, nil
	default:
		return &AccessResult{Error: fmt.Sprintf("GitHub returned status %d", resp.StatusCode)}, nil
	}
}

func splitRepository(repository string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: %q (expected owner/name)", ErrInvalidRepository, repository)
	}
	return owner, name, nil
}
