// Package fetch provides the network lane: a strictly serial executor that
// sends one request at a time through a RemoteFetcher, retrying failures with
// exponential backoff and jitter.
package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// Request describes a single upstream request.
type Request struct {
	// Method is the HTTP method (default GET).
	Method string
	// Path is relative to the fetcher's base URL unless FullURL is set.
	Path string
	// Query parameters appended to the URL.
	Query url.Values
	// FullURL marks Path as an absolute URL (used for avatars).
	FullURL bool
}

// String returns the request line for logs.
func (r Request) String() string {
	method := r.Method
	if method == "" {
		method = "GET"
	}
	target := r.Path
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}
	return method + " " + target
}

// RemoteFetcher issues one request and returns the raw response body or a
// classified *Error. It is called once per executor attempt.
type RemoteFetcher interface {
	Send(ctx context.Context, req Request) ([]byte, error)
}

// FetcherFunc adapts a function to RemoteFetcher.
type FetcherFunc func(ctx context.Context, req Request) ([]byte, error)

// Send implements RemoteFetcher.
func (f FetcherFunc) Send(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

// UsersList returns the request for the page of users with id > since.
func UsersList(since int64, perPage int) Request {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if perPage > 0 {
		q.Set("per_page", strconv.Itoa(perPage))
	}
	return Request{Path: "users", Query: q}
}

// UserDetails returns the request for a single user's details.
func UserDetails(login string) Request {
	return Request{Path: fmt.Sprintf("users/%s", url.PathEscape(login))}
}

// Blob returns the request for an absolute blob URL such as an avatar.
func Blob(rawURL string) Request {
	return Request{Path: rawURL, FullURL: true}
}
