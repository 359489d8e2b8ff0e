// Package preview proxies HTTP requests into a session's sandboxed service.
//
// The design is two-phase: an explicit Configure step validates the port
// against policy and pins the forwarding target to the session's own
// container address, and the per-request Forward step only ever uses that
// pinned target. Nothing at request time can steer the proxy toward a
// caller-chosen host.
package preview

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/KostasNoreika/claude-studio/internal/errdefs"
)

// PortPolicy constrains which sandbox ports may serve previews.
type PortPolicy struct {
	MinPort int   `yaml:"min_port"`
	MaxPort int   `yaml:"max_port"`
	Blocked []int `yaml:"blocked_ports"`

	blocked map[int]bool
}

// Well-known sensitive ports rejected regardless of the configured range.
var defaultBlockedPorts = []int{
	21, 22, 23, 25, 53, 111, 135, 139, 445, 465, 587,
	2375, 2376, 3306, 5432, 6379, 9200, 11211, 27017,
}

// DefaultPolicy returns the built-in port policy.
func DefaultPolicy() *PortPolicy {
	p := &PortPolicy{MinPort: 1024, MaxPort: 65535, Blocked: defaultBlockedPorts}
	p.index()
	return p
}

// LoadPolicy reads a YAML policy file, falling back to defaults for any
// field the file omits. An empty path yields the default policy.
func LoadPolicy(path string) (*PortPolicy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read port policy: %w", err)
	}
	p := &PortPolicy{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse port policy: %w", err)
	}
	if p.MinPort == 0 {
		p.MinPort = 1024
	}
	if p.MaxPort == 0 {
		p.MaxPort = 65535
	}
	if len(p.Blocked) == 0 {
		p.Blocked = defaultBlockedPorts
	}
	p.index()
	return p, nil
}

func (p *PortPolicy) index() {
	p.blocked = make(map[int]bool, len(p.Blocked))
	for _, port := range p.Blocked {
		p.blocked[port] = true
	}
}

// Validate rejects blocked or out-of-range ports. The blocklist applies
// regardless of the numeric range.
func (p *PortPolicy) Validate(port int) error {
	if p.blocked[port] {
		return &errdefs.PolicyError{Msg: fmt.Sprintf("port %d is blocked by policy", port)}
	}
	if port < p.MinPort || port > p.MaxPort {
		return &errdefs.PolicyError{
			Msg: fmt.Sprintf("port %d outside allowed range %d-%d", port, p.MinPort, p.MaxPort),
		}
	}
	return nil
}

// ValidateTarget accepts only addresses on an internal network: the pinned
// forwarding target must be the sandbox container itself, never a public or
// loopback-escaping endpoint.
func ValidateTarget(addr string) error {
	ip := net.ParseIP(addr)
	if ip == nil {
		return &errdefs.PolicyError{Msg: fmt.Sprintf("target %q is not an IP address", addr)}
	}
	if !ip.IsPrivate() {
		return &errdefs.PolicyError{Msg: fmt.Sprintf("target %s is not on an internal network", ip)}
	}
	return nil
}
