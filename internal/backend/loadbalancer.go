package backend

import (
	"sync"

	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/util"
)

// Group is a named upstream group: ordered servers plus the weighted
// round robin cursor shared by every route that targets it.
type Group struct {
	Name        string
	HealthCheck *config.HealthCheckConfig
	Retry       *config.RetryPolicy

	servers []*Server
	reg     *Registry

	mu     sync.Mutex
	cursor uint64
}

// Servers returns the servers in declaration order.
func (g *Group) Servers() []*Server {
	return g.servers
}

// Server returns the server with the given address.
func (g *Group) Server(address string) (*Server, bool) {
	for _, s := range g.servers {
		if s.Address == address {
			return s, true
		}
	}
	return nil, false
}

// Select picks a server by weighted round robin over the servers that
// are currently eligible. It never blocks; with nothing eligible it
// returns a *util.NoAvailableServerError.
func (g *Group) Select() (*Server, error) {
	return g.SelectExcluding("")
}

// SelectExcluding is Select with the named server removed from the
// candidates for this call. If that leaves nothing, the full eligible
// set is used.
func (g *Group) SelectExcluding(exclude string) (*Server, error) {
	eligible := g.eligible()
	if len(eligible) == 0 {
		return nil, util.NewNoAvailableServerError(g.Name)
	}

	if exclude != "" {
		narrowed := make([]*Server, 0, len(eligible))
		for _, s := range eligible {
			if s.Address != exclude {
				narrowed = append(narrowed, s)
			}
		}
		if len(narrowed) > 0 {
			eligible = narrowed
		}
	}

	total := 0
	for _, s := range eligible {
		total += s.Weight
	}

	g.mu.Lock()
	point := int(g.cursor % uint64(total))
	g.cursor++
	g.mu.Unlock()

	for _, s := range eligible {
		if point < s.Weight {
			return s, nil
		}
		point -= s.Weight
	}
	return eligible[len(eligible)-1], nil
}

func (g *Group) eligible() []*Server {
	now := g.reg.now()
	out := make([]*Server, 0, len(g.servers))
	for _, s := range g.servers {
		if s.Eligible(now) {
			out = append(out, s)
		}
	}
	return out
}

// HasEligible reports whether at least one server can take traffic.
func (g *Group) HasEligible() bool {
	now := g.reg.now()
	for _, s := range g.servers {
		if s.Eligible(now) {
			return true
		}
	}
	return false
}
