package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/costlens/pipeline-service/internal/database"
)

// Gate counts in-flight operations per tenant
type Gate interface {
	// TryAcquire increments the tenant's counter unless it is already at limit.
	TryAcquire(ctx context.Context, tenantID string, limit int) (bool, error)
	// Release decrements the tenant's counter, floored at zero.
	Release(ctx context.Context, tenantID string) error
	InFlight(ctx context.Context, tenantID string) (int, error)
}

// LocalGate keeps counters in process memory. Limits hold per process only.
type LocalGate struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewLocalGate creates an empty in-process gate
func NewLocalGate() *LocalGate {
	return &LocalGate{counts: make(map[string]int)}
}

func (g *LocalGate) TryAcquire(_ context.Context, tenantID string, limit int) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.counts[tenantID] >= limit {
		return false, nil
	}
	g.counts[tenantID]++
	return true, nil
}

func (g *LocalGate) Release(_ context.Context, tenantID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n := g.counts[tenantID]; n > 1 {
		g.counts[tenantID] = n - 1
	} else {
		delete(g.counts, tenantID)
	}
	return nil
}

func (g *LocalGate) InFlight(_ context.Context, tenantID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[tenantID], nil
}

// StoreGate keeps counters in the admission_slots table so the limit
// holds across every worker process sharing the database.
type StoreGate struct {
	db database.DB
}

// NewStoreGate creates a gate backed by db
func NewStoreGate(db database.DB) *StoreGate {
	return &StoreGate{db: db}
}

func (g *StoreGate) TryAcquire(ctx context.Context, tenantID string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	// The conditional upsert is a single atomic statement: no row
	// returned means the counter was already at the limit.
	var inFlight int
	err := g.db.QueryRow(ctx, `
		INSERT INTO admission_slots (tenant_id, in_flight, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (tenant_id) DO UPDATE
		SET in_flight = admission_slots.in_flight + 1, updated_at = NOW()
		WHERE admission_slots.in_flight < $2
		RETURNING in_flight
	`, tenantID, limit).Scan(&inFlight)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire admission slot: %w", err)
	}
	return true, nil
}

func (g *StoreGate) Release(ctx context.Context, tenantID string) error {
	_, err := g.db.Exec(ctx, `
		UPDATE admission_slots
		SET in_flight = GREATEST(in_flight - 1, 0), updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to release admission slot: %w", err)
	}
	return nil
}

func (g *StoreGate) InFlight(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := g.db.QueryRow(ctx, `SELECT in_flight FROM admission_slots WHERE tenant_id = $1`, tenantID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read admission slot: %w", err)
	}
	return n, nil
}

// Reconcile lowers in_flight to the live run count of each tenant, absent
// tenants counting zero. Counters are never raised, so a slot acquired
// just before its run turns RUNNING is at worst reclaimed early once.
func (g *StoreGate) Reconcile(ctx context.Context, live map[string]int) (int, error) {
	tenants := make([]string, 0, len(live))
	counts := make([]int32, 0, len(live))
	for tenantID, n := range live {
		tenants = append(tenants, tenantID)
		counts = append(counts, int32(n))
	}

	tag, err := g.db.Exec(ctx, `
		UPDATE admission_slots AS s
		SET in_flight = x.live, updated_at = NOW()
		FROM (
			SELECT a.tenant_id, COALESCE(l.n, 0) AS live
			FROM admission_slots a
			LEFT JOIN unnest($1::text[], $2::int[]) AS l(tenant_id, n) ON l.tenant_id = a.tenant_id
		) AS x
		WHERE s.tenant_id = x.tenant_id AND s.in_flight > x.live
	`, tenants, counts)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile admission slots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// NewGate builds the gate for an admission.mode value
func NewGate(mode string, db database.DB) (Gate, error) {
	switch mode {
	case "", "local":
		return NewLocalGate(), nil
	case "store":
		if db == nil {
			return nil, fmt.Errorf("admission mode %q requires a database", mode)
		}
		return NewStoreGate(db), nil
	default:
		return nil, fmt.Errorf("unknown admission mode %q", mode)
	}
}
