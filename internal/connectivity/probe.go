package connectivity

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// State is one connectivity observation.
type State struct {
	// IsConnected reports that a network route to the probe target exists.
	IsConnected bool
	// IsInternetReachable reports that the probe target answered successfully.
	IsInternetReachable bool
	CheckedAt           time.Time
	// Detail describes why the state is not fully online.
	Detail string
}

// Online reports whether both connectivity flags are set.
func (s State) Online() bool {
	return s.IsConnected && s.IsInternetReachable
}

func (s State) same(other State) bool {
	return s.IsConnected == other.IsConnected && s.IsInternetReachable == other.IsInternetReachable
}

// Prober performs one connectivity observation.
type Prober interface {
	Probe(ctx context.Context) State
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) State

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) State {
	return f(ctx)
}

// HTTPProber sends HEAD requests to a fixed URL.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber builds a prober for target with a per-probe timeout.
func NewHTTPProber(target string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		url: target,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe reports IsConnected when the request reached a server and
// IsInternetReachable when the server answered with 2xx or 3xx.
func (p *HTTPProber) Probe(ctx context.Context) State {
	state := State{CheckedAt: time.Now().UTC()}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		state.Detail = err.Error()
		return state
	}
	req.Header.Set("User-Agent", "reportq/0.1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		state.Detail = err.Error()
		// A timeout after the dial succeeded still means a route exists.
		state.IsConnected = reachedServer(err)
		return state
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	state.IsConnected = true
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		state.IsInternetReachable = true
	} else {
		state.Detail = resp.Status
	}
	return state
}

func reachedServer(err error) bool {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return false
	}
	var opErr *net.OpError
	if errors.As(urlErr.Err, &opErr) && opErr.Op == "dial" {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(urlErr.Err, &dnsErr) {
		return false
	}
	return urlErr.Timeout()
}
