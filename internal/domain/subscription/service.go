package subscription

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ehr/broker/internal/platform/events"
	"github.com/ehr/broker/internal/platform/metrics"
)

// resolveHost resolves a hostname to IP addresses. Replaced in tests.
var resolveHost = net.LookupHost

// EndpointPolicy controls which delivery addresses are accepted. When
// AllowPrivate is false, endpoints resolving to loopback, private or
// link-local addresses are refused.
type EndpointPolicy struct {
	AllowPrivate bool
}

type Service struct {
	registry *Registry
	policy   EndpointPolicy
	sink     events.Sink
	metrics  *metrics.Metrics
}

func NewService(registry *Registry, policy EndpointPolicy, sink events.Sink, m *metrics.Metrics) *Service {
	if sink == nil {
		sink = events.Discard
	}
	return &Service{registry: registry, policy: policy, sink: sink, metrics: m}
}

func (s *Service) Registry() *Registry {
	return s.registry
}

// Create validates and stores a subscription for patientID.
func (s *Service) Create(ctx context.Context, patientID, endpoint string) (Subscription, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return Subscription{}, ErrMissingPatient
	}
	if err := s.validateEndpoint(endpoint); err != nil {
		return Subscription{}, err
	}

	sub := s.registry.Create(patientID, endpoint)
	s.metrics.IncSubscription()
	s.sink.Emit(ctx, events.New(events.SubscriptionCreated,
		fmt.Sprintf("Subscription/%s monitoring encounters for %s", sub.ID, patientID)).
		With("subscription", sub.ID).
		With("patient", patientID).
		With("endpoint", endpoint))
	return sub, nil
}

func (s *Service) Get(id string) (Subscription, bool) {
	return s.registry.Get(id)
}

func (s *Service) List() []Subscription {
	return s.registry.List()
}

func (s *Service) validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidEndpoint, endpoint)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidEndpoint, u.Scheme)
	}
	if s.policy.AllowPrivate {
		return nil
	}

	hostname := u.Hostname()
	if strings.EqualFold(hostname, "localhost") {
		return fmt.Errorf("%w: hostname %q is not allowed", ErrInvalidEndpoint, hostname)
	}
	ips, err := resolveHost(hostname)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q: %v", ErrInvalidEndpoint, hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: %s resolves to private/reserved IP %s", ErrInvalidEndpoint, hostname, ipStr)
		}
	}
	return nil
}
