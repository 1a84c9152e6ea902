package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/companyzero/msgpull/fetch"
	"github.com/companyzero/msgpull/rpc"
	"github.com/decred/slog"
)

var (
	ErrRateLimited  = errors.New("rate limited by server")
	ErrUnauthorized = errors.New("server rejected credentials")
)

// StatusError is returned for unexpected HTTP status codes.
type StatusError struct {
	Code int
}

func (err StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", err.Code, http.StatusText(err.Code))
}

// RESTFetcherConfig is the configuration for a RESTFetcher.
type RESTFetcherConfig struct {
	// ServerURL is the base URL of the server, without the endpoint path.
	ServerURL   string
	Credentials Credentials
	Dial        DialFunc
	TLSConfig   *tls.Config

	// Timeout of each request. Defaults to rpc.DefaultSocketTimeout.
	Timeout time.Duration

	Log slog.Logger
}

// RESTFetcher is a fetch.EnvelopeFetcher using one-shot HTTP requests.
type RESTFetcher struct {
	cfg    RESTFetcherConfig
	client *http.Client
	log    slog.Logger
}

var _ fetch.EnvelopeFetcher = (*RESTFetcher)(nil)

// NewRESTFetcher creates a new fetcher.
func NewRESTFetcher(cfg RESTFetcherConfig) *RESTFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = rpc.DefaultSocketTimeout
	}
	cfg.ServerURL = strings.TrimSuffix(cfg.ServerURL, "/")
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	transport := &http.Transport{
		DialContext:     cfg.Dial,
		TLSClientConfig: cfg.TLSConfig,
		// One-shot connections.
		DisableKeepAlives: true,
	}
	return &RESTFetcher{
		cfg:    cfg,
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		log:    log,
	}
}

func (f *RESTFetcher) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.cfg.ServerURL+path, nil)
	if err != nil {
		return nil, err
	}
	if f.cfg.Credentials.Username != "" {
		req.SetBasicAuth(f.cfg.Credentials.Username, f.cfg.Credentials.Password)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestEntityTooLarge:
		err = ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		err = ErrUnauthorized
	default:
		err = StatusError{Code: resp.StatusCode}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return nil, fmt.Errorf("%s %s: %w", method, path, err)
}

func (f *RESTFetcher) FetchPendingEnvelopes(ctx context.Context) ([]*rpc.Envelope, bool, error) {
	resp, err := f.do(ctx, http.MethodGet, rpc.FetchEndpoint)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	var reply rpc.FetchReply
	dec := json.NewDecoder(io.LimitReader(resp.Body, 64*rpc.MaxFrameSize))
	if err := dec.Decode(&reply); err != nil {
		return nil, false, rpc.UnmarshalError{What: "fetch reply", Err: err}
	}
	envs := make([]*rpc.Envelope, 0, len(reply.Messages))
	for i := range reply.Messages {
		env := &reply.Messages[i]
		if len(env.Content) > rpc.MaxEnvelopeContentSize {
			f.log.Warnf("Skipping oversized envelope %s", env)
			continue
		}
		envs = append(envs, env)
	}
	f.log.Debugf("Fetched %d envelopes (more: %v)", len(envs), reply.More)
	return envs, reply.More, nil
}

func (f *RESTFetcher) AckEnvelope(ctx context.Context, env *rpc.Envelope) error {
	if env.ServerGUID == "" {
		return fmt.Errorf("envelope %s has no server guid", env)
	}
	resp, err := f.do(ctx, http.MethodDelete, rpc.AckEndpoint+url.PathEscape(env.ServerGUID))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
