package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ProxySpec is the credential set submitted when registering a proxy.
type ProxySpec struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// RemoteProxy is one proxy as the provider lists it.
type RemoteProxy struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ProxyClient wraps the proxy vendor's REST API.
type ProxyClient struct {
	api      apiClient
	pageSize int
}

func NewProxyClient(baseURL, apiKey string, timeout time.Duration) *ProxyClient {
	return &ProxyClient{
		api:      newAPIClient(baseURL, apiKey, timeout),
		pageSize: 100,
	}
}

type proxyAddData struct {
	Success []struct {
		Index int    `json:"index"`
		ID    string `json:"id"`
	} `json:"success"`
	Fail []struct {
		Index   int    `json:"index"`
		Message string `json:"message"`
	} `json:"fail"`
}

type proxyListData struct {
	List  []RemoteProxy `json:"list"`
	Total int           `json:"total"`
}

// AddProxy registers one proxy and returns the provider's id for it.
// A duplicate-registration message maps to ErrAlreadyExists so callers
// can fall back to FindByHostPort; the provider has no atomic
// get-or-create.
func (c *ProxyClient) AddProxy(ctx context.Context, spec ProxySpec) (string, error) {
	return withRetry(ctx, func() (string, error) {
		var data proxyAddData
		body := map[string]any{"list": []ProxySpec{spec}}
		if err := c.api.doJSON(ctx, http.MethodPost, "/api/v1/proxy/add", body, &data); err != nil {
			return "", err
		}

		if len(data.Success) > 0 {
			return data.Success[0].ID, nil
		}
		if len(data.Fail) > 0 {
			msg := data.Fail[0].Message
			if ReasonIsAlreadyExists(msg) {
				return "", fmt.Errorf("proxy %s:%d: %w", spec.Host, spec.Port, ErrAlreadyExists)
			}
			return "", &ReasonError{Reason: msg}
		}
		return "", &ReasonError{Reason: "provider returned no outcome for proxy add"}
	})
}

// ListProxies pages through the provider's full proxy inventory.
// Retries apply per page so a hiccup on a late page does not restart
// the walk from page one.
func (c *ProxyClient) ListProxies(ctx context.Context) ([]RemoteProxy, error) {
	var all []RemoteProxy
	for page := 1; ; page++ {
		path := fmt.Sprintf("/api/v1/proxy/list?page=%d&pageSize=%d", page, c.pageSize)
		data, err := withRetry(ctx, func() (proxyListData, error) {
			var d proxyListData
			err := c.api.doJSON(ctx, http.MethodGet, path, nil, &d)
			return d, err
		})
		if err != nil {
			return nil, err
		}
		all = append(all, data.List...)
		if len(data.List) == 0 || len(all) >= data.Total {
			return all, nil
		}
	}
}

// FindByHostPort scans the proxy listing for a host:port match. The
// provider offers no server-side filter.
func (c *ProxyClient) FindByHostPort(ctx context.Context, host string, port int) (string, error) {
	proxies, err := c.ListProxies(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range proxies {
		if p.Host == host && p.Port == port {
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("proxy %s:%d: %w", host, port, ErrNotFound)
}
