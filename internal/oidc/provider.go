package oidc

import (
	"net/http"
	"sync"
)

// ClientProvider returns the SSO-OIDC client for a region.
type ClientProvider func(region string) Client

// NewClientProvider returns a ClientProvider that builds one client per
// region on first use.
func NewClientProvider(endpoint string, httpClient *http.Client) ClientProvider {
	var (
		mu      sync.Mutex
		clients = map[string]Client{}
	)

	return func(region string) Client {
		mu.Lock()
		defer mu.Unlock()

		if c, ok := clients[region]; ok {
			return c
		}

		c := NewClient(region, endpoint, httpClient)
		clients[region] = c

		return c
	}
}

// StaticClientProvider returns c for every region.
func StaticClientProvider(c Client) ClientProvider {
	return func(string) Client { return c }
}
