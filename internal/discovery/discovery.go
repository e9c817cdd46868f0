// Package discovery sweeps CIDR ranges for hosts with open candidate ports.
// It wraps nmap and reduces its report to host/open-port pairs for the
// HTTP prober.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/metrics"
	"github.com/anstrom/neondeck/internal/probe"
)

const (
	defaultHostTimeout = 30 * time.Second
	maxNetworkSizeBits = 16 // Limit to /16 or smaller networks
	maxPort            = 65535
	portStateOpen      = "open"
)

// Timing names accepted in configuration.
const (
	TimingPolite     = "polite"
	TimingNormal     = "normal"
	TimingAggressive = "aggressive"
)

// OpenPort is a port nmap reported open on a host.
type OpenPort struct {
	Port      int    `json:"port"`
	Transport string `json:"transport"`
	Service   string `json:"service,omitempty"`
}

// HostResult is one live host and the candidate ports it has open.
type HostResult struct {
	IP        string     `json:"ip"`
	OpenPorts []OpenPort `json:"open_ports"`
}

// Config controls sweep behaviour.
type Config struct {
	HostTimeout time.Duration
	Timing      string
}

// RunFunc executes one nmap invocation. Replaced in tests.
type RunFunc func(ctx context.Context, options ...nmap.Option) (*nmap.Run, error)

// Scanner runs one nmap sweep per network.
type Scanner struct {
	hostTimeout time.Duration
	timing      nmap.Timing
	run         RunFunc
	logger      *logging.Logger
	metrics     *metrics.PrometheusMetrics
}

// NewScanner creates a scanner backed by the nmap binary.
func NewScanner(cfg Config) *Scanner {
	if cfg.HostTimeout <= 0 {
		cfg.HostTimeout = defaultHostTimeout
	}
	return &Scanner{
		hostTimeout: cfg.HostTimeout,
		timing:      timingTemplate(cfg.Timing),
		run:         runNmap,
		logger:      logging.Default().WithComponent("discovery"),
		metrics:     metrics.GetGlobalMetrics(),
	}
}

// WithRunFunc replaces the nmap runner.
func (s *Scanner) WithRunFunc(run RunFunc) *Scanner {
	s.run = run
	return s
}

// WithLogger replaces the scanner's logger.
func (s *Scanner) WithLogger(logger *logging.Logger) *Scanner {
	s.logger = logger.WithComponent("discovery")
	return s
}

// Scan sweeps each network in order and concatenates the results. A network
// that fails is logged and contributes nothing; the remaining networks are
// still scanned. Only cancellation of ctx stops the sweep early.
func (s *Scanner) Scan(ctx context.Context, networks []string, ports []int) []HostResult {
	var hosts []HostResult
	for _, network := range networks {
		if ctx.Err() != nil {
			s.logger.Warn("Discovery canceled", "remaining_from", network, "error", ctx.Err())
			break
		}

		found, err := s.ScanNetwork(ctx, network, ports)
		if err != nil {
			s.logger.ErrorDiscovery("Network scan failed", network, err)
			continue
		}
		hosts = append(hosts, found...)
	}
	return hosts
}

// ScanNetwork sweeps a single CIDR for the given ports. Hosts with no open
// candidate port are omitted.
func (s *Scanner) ScanNetwork(ctx context.Context, network string, ports []int) ([]HostResult, error) {
	start := time.Now()

	if err := ValidateNetwork(network); err != nil {
		s.metrics.RecordDiscovery(network, 0, time.Since(start), err)
		return nil, err
	}
	portSpec, err := FormatPorts(ports)
	if err != nil {
		s.metrics.RecordDiscovery(network, 0, time.Since(start), err)
		return nil, errors.ErrDiscoveryFailed(network, err)
	}

	s.logger.InfoDiscovery("Scanning network", network, "ports", portSpec)

	result, err := s.run(ctx, s.buildOptions(network, portSpec)...)
	if err != nil {
		wrapped := errors.ErrDiscoveryFailed(network, err)
		s.metrics.RecordDiscovery(network, 0, time.Since(start), wrapped)
		return nil, wrapped
	}

	hosts := convertRun(result)
	s.metrics.RecordDiscovery(network, len(hosts), time.Since(start), nil)
	s.logger.InfoDiscovery("Network scan complete", network,
		"hosts", len(hosts),
		"duration", time.Since(start).Round(time.Millisecond))
	return hosts, nil
}

// buildOptions restricts the sweep to the candidate ports, reports open
// ports only and bounds time spent per host.
func (s *Scanner) buildOptions(network, ports string) []nmap.Option {
	return []nmap.Option{
		nmap.WithTargets(network),
		nmap.WithPorts(ports),
		nmap.WithOpenOnly(),
		nmap.WithTimingTemplate(s.timing),
		nmap.WithHostTimeout(s.hostTimeout),
	}
}

// convertRun reduces an nmap report to hosts with at least one open port.
func convertRun(result *nmap.Run) []HostResult {
	if result == nil {
		return nil
	}

	hosts := make([]HostResult, 0, len(result.Hosts))
	for i := range result.Hosts {
		if host, ok := convertHost(&result.Hosts[i]); ok {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

func convertHost(h *nmap.Host) (HostResult, bool) {
	ip := hostIP(h)
	if ip == "" {
		return HostResult{}, false
	}

	host := HostResult{IP: ip}
	for j := range h.Ports {
		p := &h.Ports[j]
		if p.State.State != portStateOpen {
			continue
		}
		host.OpenPorts = append(host.OpenPorts, OpenPort{
			Port:      int(p.ID),
			Transport: p.Protocol,
			Service:   p.Service.Name,
		})
	}
	if len(host.OpenPorts) == 0 {
		return HostResult{}, false
	}
	return host, true
}

// hostIP prefers an IPv4 address over IPv6; MAC entries are skipped.
func hostIP(h *nmap.Host) string {
	var fallback string
	for _, addr := range h.Addresses {
		switch addr.AddrType {
		case "ipv4":
			return addr.Addr
		case "ipv6":
			if fallback == "" {
				fallback = addr.Addr
			}
		case "":
			if net.ParseIP(addr.Addr) != nil && fallback == "" {
				fallback = addr.Addr
			}
		}
	}
	return fallback
}

// ValidateNetwork checks that network is a CIDR no larger than a /16.
func ValidateNetwork(network string) error {
	_, ipnet, err := net.ParseCIDR(strings.TrimSpace(network))
	if err != nil {
		return errors.ErrInvalidTarget(network)
	}
	ones, bits := ipnet.Mask.Size()
	if bits == 32 && ones < maxNetworkSizeBits {
		return errors.NewScanErrorWithTarget(errors.CodeTargetInvalid,
			fmt.Sprintf("network too large, limit is /%d", maxNetworkSizeBits), network)
	}
	return nil
}

// FormatPorts renders a sorted, de-duplicated nmap port list.
func FormatPorts(ports []int) (string, error) {
	if len(ports) == 0 {
		return "", fmt.Errorf("no ports to scan")
	}

	seen := make(map[int]struct{}, len(ports))
	unique := make([]int, 0, len(ports))
	for _, p := range ports {
		if p < 1 || p > maxPort {
			return "", fmt.Errorf("port %d out of range", p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}
	sort.Ints(unique)

	parts := make([]string, len(unique))
	for i, p := range unique {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ","), nil
}

// Candidates flattens host results into one probe candidate per open port.
func Candidates(hosts []HostResult) []probe.Candidate {
	var out []probe.Candidate
	for _, h := range hosts {
		for _, p := range h.OpenPorts {
			out = append(out, probe.Candidate{IP: h.IP, Port: p.Port, Transport: p.Transport})
		}
	}
	return out
}

func timingTemplate(name string) nmap.Timing {
	switch strings.ToLower(name) {
	case TimingPolite:
		return nmap.TimingPolite
	case TimingNormal:
		return nmap.TimingNormal
	default:
		return nmap.TimingAggressive
	}
}

func runNmap(ctx context.Context, options ...nmap.Option) (*nmap.Run, error) {
	scanner, err := nmap.NewScanner(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create nmap scanner: %w", err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("nmap scan failed: %w", err)
	}
	if warnings != nil && len(*warnings) > 0 {
		logging.Warn("nmap completed with warnings", "warnings", *warnings)
	}
	return result, nil
}
