package observability

import (
	"context"
	"sync"
)

type probeKey struct{}

// identityProbe lets IdentityLogger, which runs inside the router after authentication, hand the subject
// back to the request logger wrapped around it.
type identityProbe struct {
	mu    sync.Mutex
	value string
}

func (p *identityProbe) set(uid string) {
	p.mu.Lock()
	p.value = uid
	p.mu.Unlock()
}

func (p *identityProbe) uid() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

func withIdentityProbe(ctx context.Context, probe *identityProbe) context.Context {
	return context.WithValue(ctx, probeKey{}, probe)
}

func identityProbeFrom(ctx context.Context) *identityProbe {
	probe, _ := ctx.Value(probeKey{}).(*identityProbe)
	return probe
}
