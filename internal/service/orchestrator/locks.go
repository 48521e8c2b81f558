package orchestrator

import "sync"

// tenantLocks serializes lifecycle operations per tenant. Operations
// against different tenants proceed in parallel; two operations against
// the same tenant queue behind one another. This makes a single control
// plane instance safe by construction; cross-instance serialization
// remains the job queue's responsibility.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTenantLocks() *tenantLocks {
	return &tenantLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the tenant's mutex and returns its unlock function.
func (t *tenantLocks) lock(tenantID string) func() {
	t.mu.Lock()
	m, ok := t.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		t.locks[tenantID] = m
	}
	t.mu.Unlock()

	m.Lock()
	return m.Unlock
}
