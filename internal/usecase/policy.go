package usecase

import (
	"sync/atomic"

	"focus-sync/internal/domain"
)

// PolicySource hands the current policy to every component and lets the
// config watcher swap it at runtime.
type PolicySource struct {
	p atomic.Pointer[domain.Policy]
}

func NewPolicySource(p domain.Policy) *PolicySource {
	ps := &PolicySource{}
	ps.Set(p)
	return ps
}

func (ps *PolicySource) Get() domain.Policy {
	if p := ps.p.Load(); p != nil {
		return *p
	}
	return domain.DefaultPolicy()
}

func (ps *PolicySource) Set(p domain.Policy) {
	ps.p.Store(&p)
}
