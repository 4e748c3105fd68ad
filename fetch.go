package offline

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	recorder "github.com/always-cache/offline/pkg/response-recorder"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// ErrNetworkFailure is returned by fetchers when no response could be obtained.
// It never reaches the page; the strategies turn it into a fallback response.
var ErrNetworkFailure = errors.New("network failure")

// Fetcher performs the network leg of a request.
// A response with any status code is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

type OriginConfig struct {
	// URL of the origin server.
	// Origins with paths are not supported.
	URL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	Host string
	// Timeout of a single origin request, body included.
	Timeout time.Duration
	// Consecutive failures after which the breaker opens.
	MaxFailures uint32
	// How long the breaker stays open before letting a probe through.
	OpenTimeout time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// OriginFetcher fetches from an origin server over HTTP.
// Redirects are passed through to the page, not followed.
type OriginFetcher struct {
	origin     url.URL
	hostHeader string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	log        zerolog.Logger
}

func NewOriginFetcher(config OriginConfig) *OriginFetcher {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("origin", config.URL.String()).Logger()

	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.OpenTimeout == 0 {
		config.OpenTimeout = 30 * time.Second
	}

	hostHeader := config.URL.Host
	transport := http.DefaultTransport
	if config.Host != "" {
		hostHeader = config.Host
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: config.Host,
			},
		}
	}

	f := &OriginFetcher{
		origin:     config.URL,
		hostHeader: hostHeader,
		log:        logger,
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	name := "origin"
	BreakerState.WithLabelValues(name).Set(0)
	f.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Origin breaker state change")
			BreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return f
}

// Fetch sends the request to the origin.
// Transport errors and an open breaker are reported as ErrNetworkFailure.
func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	req := r.Clone(ctx)
	req.RequestURI = ""
	req.URL.Scheme = f.origin.Scheme
	req.URL.Host = f.origin.Host
	req.Host = f.hostHeader

	res, err := f.breaker.Execute(func() (*http.Response, error) {
		return f.client.Do(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			f.log.Debug().Str("url", r.URL.String()).Msg("Origin breaker open, not fetching")
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	return res, nil
}

// HandlerFetcher fetches by running a wrapped handler in-process.
// It is used when the worker runs as middleware in front of the application.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	rw := recorder.NewResponseSaver()
	f.Handler.ServeHTTP(rw, r.WithContext(ctx))
	return rw.Result(r), nil
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}
