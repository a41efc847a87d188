// Package gateway runs client statements through the query pipeline:
// validate, rewrite, rate-check, audit, dispatch. Any stage may reject and
// later stages then never run.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Curve-Labs/egregore-site-sub000/internal/guard"
	"github.com/Curve-Labs/egregore-site-sub000/internal/logging"
	"github.com/Curve-Labs/egregore-site-sub000/internal/metrics"
	"github.com/Curve-Labs/egregore-site-sub000/internal/ratelimit"
	"github.com/Curve-Labs/egregore-site-sub000/internal/tenant"
)

const (
	DefaultMaxBatchSize     = 20
	DefaultBatchConcurrency = 4
)

// Executor dispatches a scoped statement to the tenant's graph endpoint.
type Executor interface {
	Execute(ctx context.Context, t *tenant.Tenant, statement string, params map[string]any) (json.RawMessage, error)
}

// Query is one client statement.
type Query struct {
	Statement  string         `json:"statement"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Result is one batch item outcome. Exactly one of Data and Err is set.
type Result struct {
	Data json.RawMessage
	Err  *Error
}

// Options tunes the service.
type Options struct {
	MaxBatchSize     int
	BatchConcurrency int
	Metrics          *metrics.Metrics
}

// Service is safe for concurrent use.
type Service struct {
	policy   *guard.Policy
	limiter  ratelimit.Limiter
	auditor  *logging.QueryAuditor
	executor Executor
	metrics  *metrics.Metrics
	logger   *zap.Logger

	maxBatch    int
	concurrency int
}

// NewService wires the pipeline stages.
func NewService(policy *guard.Policy, limiter ratelimit.Limiter, auditor *logging.QueryAuditor, executor Executor, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = DefaultBatchConcurrency
	}
	return &Service{
		policy:      policy,
		limiter:     limiter,
		auditor:     auditor,
		executor:    executor,
		metrics:     opts.Metrics,
		logger:      logger,
		maxBatch:    opts.MaxBatchSize,
		concurrency: opts.BatchConcurrency,
	}
}

// prepared is a statement that passed validation and was rewritten.
type prepared struct {
	statement string
	params    map[string]any
	class     guard.Classification
}

func (s *Service) prepare(q Query, index int) (prepared, *Error) {
	if q.Statement == "" {
		e := invalidRequest("statement is required")
		e.Index = index
		return prepared{}, e
	}
	lx, err := s.policy.Validate(q.Statement, q.Parameters)
	if err != nil {
		var v *guard.Violation
		if errors.As(err, &v) {
			return prepared{}, policyError(v, index)
		}
		return prepared{}, invalidRequest(err.Error())
	}
	return prepared{
		statement: s.policy.Rewrite(q.Statement),
		params:    q.Parameters,
		class:     guard.Classify(lx),
	}, nil
}

// limit consumes one request from t's window.
func (s *Service) limit(ctx context.Context, slug string, index int) *Error {
	d, err := s.limiter.Allow(ctx, slug)
	if err != nil {
		s.logger.Error("rate limiter unavailable", zap.String(logging.FieldTenant, slug), zap.Error(err))
		return &Error{Code: CodeLimiterUnavailable, Status: http.StatusServiceUnavailable, Index: index, Err: err}
	}
	if !d.Allowed {
		return &Error{
			Code:       CodeRateLimited,
			Status:     http.StatusTooManyRequests,
			Index:      index,
			Limit:      d.Max,
			Window:     d.Window,
			RetryAfter: d.RetryAfter,
		}
	}
	return nil
}

func (s *Service) audit(ctx context.Context, slug string, p prepared) {
	s.auditor.Emit(ctx, logging.QueryRecord{
		Tenant:         slug,
		Classification: string(p.class),
		StatementBytes: len(p.statement),
	})
}

func (s *Service) dispatch(ctx context.Context, t *tenant.Tenant, p prepared) (json.RawMessage, *Error) {
	start := time.Now()
	data, err := s.executor.Execute(ctx, t, p.statement, p.params)
	s.metrics.ObserveUpstream(time.Since(start), err != nil)
	if err != nil {
		s.logger.Warn("graph dispatch failed",
			zap.String(logging.FieldRequestID, logging.GetRequestID(ctx)),
			zap.String(logging.FieldTenant, t.Slug),
			zap.String(logging.FieldClassification, string(p.class)),
			zap.Error(err))
		return nil, upstreamError(err)
	}
	s.metrics.RecordQuery(string(p.class))
	return data, nil
}

func (s *Service) reject(ctx context.Context, slug string, e *Error) *Error {
	s.metrics.RecordRejection(e.Code)
	s.logger.Debug("query rejected",
		zap.String(logging.FieldRequestID, logging.GetRequestID(ctx)),
		zap.String(logging.FieldTenant, slug),
		zap.String(logging.FieldErrorCode, e.Code),
		zap.Strings("tokens", e.Tokens))
	return e
}

// Execute runs one statement for t and returns the upstream data field.
// Errors are *Error.
func (s *Service) Execute(ctx context.Context, t *tenant.Tenant, q Query) (json.RawMessage, error) {
	p, e := s.prepare(q, -1)
	if e != nil {
		return nil, s.reject(ctx, t.Slug, e)
	}
	if e := s.limit(ctx, t.Slug, -1); e != nil {
		return nil, s.reject(ctx, t.Slug, e)
	}
	s.audit(ctx, t.Slug, p)

	data, e := s.dispatch(ctx, t, p)
	if e != nil {
		return nil, e
	}
	return data, nil
}

// ExecuteBatch validates and rewrites every query before anything is
// dispatched; one policy rejection rejects the whole batch and names its
// index. Accepted queries are then rate-checked and audited in request
// order and dispatched with bounded concurrency. Per-item rate limiting and
// upstream failures are reported in the item's Result.
func (s *Service) ExecuteBatch(ctx context.Context, t *tenant.Tenant, queries []Query) ([]Result, error) {
	if len(queries) == 0 || len(queries) > s.maxBatch {
		return nil, s.reject(ctx, t.Slug, invalidRequest(fmt.Sprintf("batch must contain between 1 and %d queries", s.maxBatch)))
	}

	ps := make([]prepared, len(queries))
	for i, q := range queries {
		p, e := s.prepare(q, i)
		if e != nil {
			return nil, s.reject(ctx, t.Slug, e)
		}
		ps[i] = p
	}

	results := make([]Result, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range ps {
		if e := s.limit(ctx, t.Slug, i); e != nil {
			results[i].Err = s.reject(ctx, t.Slug, e)
			continue
		}
		s.audit(ctx, t.Slug, ps[i])

		g.Go(func() error {
			data, e := s.dispatch(gctx, t, ps[i])
			if e != nil {
				e.Index = i
				results[i].Err = e
				return nil
			}
			results[i].Data = data
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
