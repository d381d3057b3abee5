package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"github.com/google/go-github/v82/github"
	"golang.org/x/oauth2"
)

// DefaultBaseURL is the public GitHub REST endpoint.
const DefaultBaseURL = "https://api.github.com/"

// GitHubConfig configures a GitHubFetcher.
type GitHubConfig struct {
	BaseURL    string
	Token      string
	UserAgent  string
	HTTPClient *http.Client // nil uses http.DefaultClient
}

// GitHubFetcher is the RemoteFetcher for the GitHub REST API.
// API requests carry the token; absolute blob URLs are fetched anonymously.
type GitHubFetcher struct {
	api  *github.Client
	blob *github.Client
}

// NewGitHubFetcher creates a fetcher rooted at cfg.BaseURL.
func NewGitHubFetcher(ctx context.Context, cfg GitHubConfig) (*GitHubFetcher, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	apiHTTP := httpClient
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		apiHTTP = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, httpClient), ts)
	}

	api := github.NewClient(apiHTTP)
	api.BaseURL = baseURL
	blob := github.NewClient(httpClient)
	blob.BaseURL = baseURL

	if cfg.UserAgent != "" {
		api.UserAgent = cfg.UserAgent
		blob.UserAgent = cfg.UserAgent
	}

	return &GitHubFetcher{api: api, blob: blob}, nil
}

// Send implements RemoteFetcher.
func (f *GitHubFetcher) Send(ctx context.Context, r Request) ([]byte, error) {
	client := f.api
	target := r.Path
	if r.FullURL {
		client = f.blob
	} else if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := client.NewRequest(method, target, nil)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	if r.FullURL {
		req.Header.Set("Accept", "*/*")
	}

	var buf bytes.Buffer
	if _, err := client.Do(ctx, req, &buf); err != nil {
		return nil, classifyGitHub(ctx, err)
	}
	return buf.Bytes(), nil
}

// classifyGitHub maps go-github and transport errors onto Kind.
func classifyGitHub(ctx context.Context, err error) *Error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Err: err}
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return remoteStatus(rateErr.Response, rateErr.Message, err)
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return remoteStatus(abuseErr.Response, abuseErr.Message, err)
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		return remoteStatus(respErr.Response, respErr.Message, err)
	}

	if isConnectivity(err) {
		return &Error{Kind: KindConnectivity, Err: err}
	}
	return &Error{Kind: KindTransport, Err: err}
}

func remoteStatus(resp *http.Response, message string, err error) *Error {
	code := 0
	if resp != nil {
		code = resp.StatusCode
	}
	return &Error{Kind: KindRemoteStatus, StatusCode: code, Body: []byte(message), Err: err}
}

// isConnectivity reports whether err means there was no route to the host.
func isConnectivity(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETDOWN) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
