// Package proxy routes user traffic to project containers by the Host
// header of each request.
package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/gateway/internal/gateway"
)

// Resolver returns the address of a ready project.
type Resolver interface {
	ProjectAddress(ctx context.Context, name gateway.ProjectName) (string, error)
}

// Config configures a Proxy.
type Config struct {
	// FQDN is the domain projects are served under.  Empty routes on
	// the first label of the host.
	FQDN string

	// Port is the port projects listen on.
	Port int

	// Transport overrides the upstream transport.
	Transport http.RoundTripper

	Logger *slog.Logger
}

// Proxy is an http.Handler forwarding "<project>.<fqdn>" to the
// project's container.
type Proxy struct {
	resolver Resolver
	fqdn     string
	port     int
	logger   *slog.Logger
	rp       *httputil.ReverseProxy

	requests metric.Int64Counter
}

type upstreamKey struct{}

// New creates a Proxy.
func New(resolver Resolver, cfg Config) *Proxy {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	p := &Proxy{
		resolver: resolver,
		fqdn:     strings.ToLower(strings.Trim(cfg.FQDN, ".")),
		port:     cfg.Port,
		logger:   cfg.Logger,
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(pr.In.Context().Value(upstreamKey{}).(*url.URL))
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		Transport:    cfg.Transport,
		ErrorHandler: p.upstreamError,
	}

	var err error
	p.requests, err = otel.Meter("gateway/proxy").Int64Counter(
		"gateway.proxy.requests",
		metric.WithDescription("Total number of proxied requests by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create requests counter", slog.String("error", err.Error()))
	}

	return p
}

// ServeHTTP resolves the project named by the Host header and forwards
// the request to it.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, err := p.projectName(r.Host)
	if err != nil {
		p.fail(w, r, err)
		return
	}

	addr, err := p.resolver.ProjectAddress(r.Context(), name)
	if err != nil {
		p.fail(w, r, err)
		return
	}

	upstream := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(addr, strconv.Itoa(p.port)),
	}
	p.count(r.Context(), "forwarded")
	p.rp.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), upstreamKey{}, upstream)))
}

// projectName extracts the project from host.
func (p *Proxy) projectName(host string) (gateway.ProjectName, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	var label string
	if p.fqdn == "" {
		label, _, _ = strings.Cut(host, ".")
	} else {
		var ok bool
		label, ok = strings.CutSuffix(host, "."+p.fqdn)
		if !ok || strings.Contains(label, ".") {
			return gateway.ProjectName{}, gateway.FromKind(gateway.BadHost)
		}
	}

	name, err := gateway.ParseProjectName(label)
	if err != nil {
		return gateway.ProjectName{}, gateway.Source(gateway.BadHost, err)
	}
	return name, nil
}

func (p *Proxy) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Warn("upstream request failed",
		slog.String("host", r.Host),
		slog.String("error", err.Error()),
	)
	p.fail(w, r, gateway.Source(gateway.ProjectUnavailable, err))
}

func (p *Proxy) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := gateway.KindOf(err)
	if gateway.Retryable(kind) {
		w.Header().Set("Retry-After", "1")
	}
	p.count(r.Context(), kind.String())
	gateway.WriteError(w, err)
}

func (p *Proxy) count(ctx context.Context, outcome string) {
	if p.requests != nil {
		p.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
