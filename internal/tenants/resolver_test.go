package tenants

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costlens/pipeline-service/internal/retry"
	"github.com/costlens/pipeline-service/internal/testutil"
)

type slowSource struct {
	calls atomic.Int32
	tier  string
}

func (s *slowSource) GetTier(ctx context.Context, tenantID string) (string, error) {
	s.calls.Add(1)
	time.Sleep(20 * time.Millisecond)
	return s.tier, nil
}

func TestCachedResolverCollapsesLookups(t *testing.T) {
	source := &slowSource{tier: "scale"}
	c := NewCachedResolver(source, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tier, err := c.GetTier(context.Background(), "t1")
			assert.NoError(t, err)
			assert.Equal(t, "scale", tier)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), source.calls.Load())
}

func TestCachedResolverExpires(t *testing.T) {
	source := &slowSource{tier: "free"}
	c := NewCachedResolver(source, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.GetTier(context.Background(), "t1")
	require.NoError(t, err)
	_, err = c.GetTier(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), source.calls.Load())

	now = now.Add(2 * time.Minute)
	_, err = c.GetTier(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.calls.Load())

	c.Invalidate("t1")
	_, err = c.GetTier(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), source.calls.Load())
}

func TestResolverIntegration(t *testing.T) {
	pool := testutil.SetupTestDB(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `INSERT INTO tenants (tenant_id, tier) VALUES ('acme', 'professional')`)
	require.NoError(t, err)

	r := NewResolver(pool)
	tier, err := r.GetTier(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "professional", tier)

	_, err = r.GetTier(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownTenant)
	assert.Equal(t, retry.ClassValidation, retry.Classify(err))
}
