// Package probe confirms that host:port candidates serve a web interface and
// extracts the page metadata shown on the dashboard.
package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/sync/errgroup"

	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/metrics"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 32

	// DefaultUserAgent identifies the prober to scanned services.
	DefaultUserAgent = "neondeck/1.0 (+service discovery)"

	// Pages are only read far enough to find <head> metadata.
	maxBodyBytes = 2 << 20

	// Any status below this counts as a web service; auth walls and
	// redirects included.
	serverErrorThreshold = 500
)

// protocols are attempted in order; the first acceptable answer wins.
var protocols = []string{"https", "http"}

// Candidate is one open port to probe.
type Candidate struct {
	IP        string
	Port      int
	Transport string
}

// Address returns ip:port.
func (c Candidate) Address() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

// Service is a confirmed web endpoint.
type Service struct {
	URL            string
	IP             string
	Port           int
	Protocol       string
	Title          string
	Description    string
	Favicon        string
	ResponseTimeMS int
	StatusCode     int
}

// Outcome classifies a probe result.
type Outcome string

const (
	OutcomeFound  Outcome = "found"
	OutcomeAbsent Outcome = "absent"
	OutcomeError  Outcome = "error"
)

// Result is the typed result of probing one candidate. Exactly one of
// Service and Err is set unless the outcome is absent.
type Result struct {
	Candidate Candidate
	Service   *Service
	Err       error
}

// Outcome reports whether the probe found a service, found nothing, or failed.
func (r Result) Outcome() Outcome {
	switch {
	case r.Service != nil:
		return OutcomeFound
	case r.Err != nil:
		return OutcomeError
	default:
		return OutcomeAbsent
	}
}

// Config controls probing behaviour.
type Config struct {
	// Timeout bounds each attempt (HTTPS and HTTP separately).
	Timeout time.Duration
	// Concurrency bounds ProbeMultiple fan-out.
	Concurrency int
	UserAgent   string
}

// Prober issues HTTP(S) requests against candidates. It is safe for
// concurrent use.
type Prober struct {
	client      *http.Client
	timeout     time.Duration
	concurrency int
	userAgent   string
	logger      *logging.Logger
	metrics     *metrics.PrometheusMetrics
	now         func() time.Time
}

// New creates a prober. Certificate verification is disabled: home-lab
// services overwhelmingly run self-signed certificates.
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed certs are expected
		TLSHandshakeTimeout: cfg.Timeout,
		DisableKeepAlives:   true,
		MaxIdleConns:        0,
	}

	return &Prober{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		userAgent:   cfg.UserAgent,
		logger:      logging.Default().WithComponent("probe"),
		metrics:     metrics.GetGlobalMetrics(),
		now:         time.Now,
	}
}

// WithHTTPClient replaces the HTTP client. Used by tests to trust httptest
// servers.
func (p *Prober) WithHTTPClient(client *http.Client) *Prober {
	p.client = client
	return p
}

// WithLogger replaces the prober's logger.
func (p *Prober) WithLogger(logger *logging.Logger) *Prober {
	p.logger = logger.WithComponent("probe")
	return p
}

// Probe checks ip:port over HTTPS then HTTP. Transport failures never
// escape as panics or aborts; they are reported in the Result.
func (p *Prober) Probe(ctx context.Context, ip string, port int) Result {
	candidate := Candidate{IP: ip, Port: port, Transport: "tcp"}
	start := p.now()
	result := Result{Candidate: candidate}
	answered := false

	for _, protocol := range protocols {
		if ctx.Err() != nil {
			result.Err = errors.WrapProbeError(candidate.Address(), ctx.Err())
			break
		}

		endpoint := fmt.Sprintf("%s://%s", protocol, candidate.Address())
		svc, err := p.attempt(ctx, endpoint, candidate, protocol)
		if err != nil {
			p.logger.DebugEndpoint("Probe attempt failed", endpoint, "error", err)
			result.Err = errors.WrapProbeError(endpoint, err)
			continue
		}
		if svc == nil {
			answered = true
			continue
		}

		result.Service = svc
		result.Err = nil
		p.logger.InfoEndpoint("Found web service", svc.URL, "title", svc.Title, "status", svc.StatusCode)
		break
	}

	// An endpoint that answered with a server error is absent, not failed.
	if result.Service == nil && answered {
		result.Err = nil
	}

	protocol := ""
	if result.Service != nil {
		protocol = result.Service.Protocol
	}
	p.metrics.RecordProbe(string(result.Outcome()), protocol, p.now().Sub(start))
	return result
}

// attempt performs one request. It returns (nil, nil) when the endpoint
// answered with a server error.
func (p *Prober) attempt(ctx context.Context, endpoint string, c Candidate, protocol string) (*Service, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	sent := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	elapsed := p.now().Sub(sent)

	if resp.StatusCode >= serverErrorThreshold {
		p.logger.DebugEndpoint("Endpoint answered with server error", endpoint, "status", resp.StatusCode)
		return nil, nil
	}

	finalURL := resp.Request.URL
	meta := extractMetadata(decodeBody(resp), finalURL)

	title := meta.Title
	if title == "" {
		title = c.Address()
	}

	return &Service{
		URL:            finalURL.String(),
		IP:             c.IP,
		Port:           c.Port,
		Protocol:       protocol,
		Title:          title,
		Description:    meta.Description,
		Favicon:        meta.Favicon,
		ResponseTimeMS: int(elapsed.Milliseconds()),
		StatusCode:     resp.StatusCode,
	}, nil
}

// decodeBody returns the capped response body transcoded to UTF-8, using the
// Content-Type charset or, failing that, the page's own meta declaration.
// Unknown encodings fall back to the raw bytes.
func decodeBody(resp *http.Response) io.Reader {
	body := io.LimitReader(resp.Body, maxBodyBytes)
	decoded, err := charset.NewReader(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return body
	}
	return decoded
}

// ProbeMultiple probes every candidate with bounded concurrency and returns
// the services found, in candidate order. Failed and empty probes are
// dropped; they never cancel sibling probes.
func (p *Prober) ProbeMultiple(ctx context.Context, candidates []Candidate) []Service {
	results := make([]Result, len(candidates))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			results[i] = p.Probe(ctx, c.IP, c.Port)
			return nil
		})
	}
	_ = g.Wait()

	services := make([]Service, 0, len(candidates))
	failed := 0
	for _, r := range results {
		switch r.Outcome() {
		case OutcomeFound:
			services = append(services, *r.Service)
		case OutcomeError:
			failed++
		}
	}

	p.logger.Info("Probe batch finished",
		"endpoints", len(candidates),
		"services", len(services),
		"errors", failed)
	return services
}
