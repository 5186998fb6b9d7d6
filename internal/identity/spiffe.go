// Package identity provides optional workload identity for the gateway via
// SPIFFE/SPIRE. When a SPIRE agent socket is configured the gateway serves
// mTLS with SVID rotation; without one the gateway runs plain HTTP and API
// keys remain the only caller credential.
package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// Provider wraps the SPIRE workload API source.
type Provider struct {
	source      *workloadapi.X509Source
	trustDomain spiffeid.TrustDomain
}

// NewProvider connects to the SPIRE agent. A short timeout keeps startup
// responsive when the agent socket is configured but unreachable.
func NewProvider(socketPath, trustDomain string) (*Provider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)))
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE agent: %w", err)
	}

	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("invalid trust domain %q: %w", trustDomain, err)
	}

	slog.Info("SPIRE agent connected", "socket_path", socketPath, "trust_domain", trustDomain)
	return &Provider{source: source, trustDomain: td}, nil
}

// ServerTLSConfig returns the mTLS server configuration: clients must
// present an SVID from the same trust domain.
func (p *Provider) ServerTLSConfig() *tls.Config {
	return tlsconfig.MTLSServerConfig(p.source, p.source,
		tlsconfig.AuthorizeMemberOf(p.trustDomain))
}

// ClientTLSConfig returns the mTLS client configuration for calls between
// control-plane processes.
func (p *Provider) ClientTLSConfig() *tls.Config {
	return tlsconfig.MTLSClientConfig(p.source, p.source,
		tlsconfig.AuthorizeMemberOf(p.trustDomain))
}

// ID returns this workload's SPIFFE ID.
func (p *Provider) ID() (string, error) {
	svid, err := p.source.GetX509SVID()
	if err != nil {
		return "", fmt.Errorf("fetch SVID: %w", err)
	}
	return svid.ID.String(), nil
}

// Close releases the workload API source.
func (p *Provider) Close() error { return p.source.Close() }

// WorkloadID builds the SPIFFE ID for a named control-plane workload, e.g.
// spiffe://tollgate.example.com/workload/gateway.
func WorkloadID(trustDomain, name string) string {
	return fmt.Sprintf("spiffe://%s/workload/%s", trustDomain, name)
}
