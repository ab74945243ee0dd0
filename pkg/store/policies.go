package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/techdocs/docpipe/pkg/errs"
	"github.com/techdocs/docpipe/pkg/pipeline"
)

// retryPolicyRow is the retry_policies table shape. retry_on is a jsonb
// array of category names.
type retryPolicyRow struct {
	Component         string         `db:"component"`
	StageName         sql.NullString `db:"stage_name"`
	MaxRetries        int            `db:"max_retries"`
	BaseDelaySeconds  float64        `db:"base_delay_seconds"`
	MaxDelaySeconds   float64        `db:"max_delay_seconds"`
	BackoffMultiplier float64        `db:"backoff_multiplier"`
	JitterFraction    float64        `db:"jitter_fraction"`
	RetryOn           StringSlice    `db:"retry_on"`
}

type cachedPolicy struct {
	policy  pipeline.RetryPolicy
	expires time.Time
}

// PolicyStore resolves retry policies with a TTL cache in front of the
// database. Resolution never fails: a lookup error or missing row falls
// back to the code default.
type PolicyStore struct {
	db     Querier
	logger zerolog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

func NewPolicyStore(db Querier, logger zerolog.Logger, ttl time.Duration) *PolicyStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PolicyStore{
		db:     db,
		logger: logger.With().Str("component", "policy_store").Logger(),
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cachedPolicy),
	}
}

const policyQuery = `
SELECT component, stage_name, max_retries, base_delay_seconds, max_delay_seconds,
       backoff_multiplier, jitter_fraction, retry_on
FROM retry_policies
WHERE component = $1 AND (stage_name = $2 OR stage_name IS NULL)
ORDER BY stage_name NULLS LAST
LIMIT 1`

// GetPolicy returns the policy for a (component, stage) pair: fresh cache
// entry, else database (stage-specific row over component-wide row), else
// the built-in default.
func (p *PolicyStore) GetPolicy(ctx context.Context, component, stageName string) pipeline.RetryPolicy {
	key := component + "/" + stageName

	p.mu.Lock()
	if entry, ok := p.cache[key]; ok {
		if p.now().Before(entry.expires) {
			p.mu.Unlock()
			return entry.policy
		}
		delete(p.cache, key)
	}
	p.mu.Unlock()

	var row retryPolicyRow
	err := p.db.GetContext(ctx, &row, policyQuery, component, stageName)
	switch {
	case err == nil:
		policy := row.toPolicy()
		p.put(key, policy)
		return policy
	case errors.Is(err, sql.ErrNoRows):
		policy := pipeline.DefaultRetryPolicy()
		p.put(key, policy)
		return policy
	default:
		p.logger.Warn().Err(err).
			Str("retry_component", component).
			Str("stage", stageName).
			Msg("retry policy lookup failed, using default")
		return pipeline.DefaultRetryPolicy()
	}
}

// Invalidate drops any cached entry for the pair, forcing the next lookup
// to hit the database.
func (p *PolicyStore) Invalidate(component, stageName string) {
	p.mu.Lock()
	delete(p.cache, component+"/"+stageName)
	p.mu.Unlock()
}

func (p *PolicyStore) put(key string, policy pipeline.RetryPolicy) {
	p.mu.Lock()
	p.cache[key] = cachedPolicy{policy: policy, expires: p.now().Add(p.ttl)}
	p.mu.Unlock()
}

func (r retryPolicyRow) toPolicy() pipeline.RetryPolicy {
	retryOn := make(map[errs.Category]bool, len(r.RetryOn))
	for _, name := range r.RetryOn {
		retryOn[errs.Category(name)] = true
	}
	return pipeline.RetryPolicy{
		MaxRetries:        r.MaxRetries,
		BaseDelay:         time.Duration(r.BaseDelaySeconds * float64(time.Second)),
		MaxDelay:          time.Duration(r.MaxDelaySeconds * float64(time.Second)),
		BackoffMultiplier: r.BackoffMultiplier,
		JitterFraction:    r.JitterFraction,
		RetryOn:           retryOn,
	}
}
