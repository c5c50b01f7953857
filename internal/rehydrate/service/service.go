package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tweet-rehydrate/internal/rehydrate"
)

const (
	defaultMaxRetries = 3
	defaultBackoff    = time.Second * 5

	// defaultMaxBackoff matches the length of a lookup rate limit window
	defaultMaxBackoff = time.Minute * 15
)

// Lookup is the external tweet-lookup capability. A single call submits
// one batch of ids; tweets the provider will not return (deleted,
// protected, suspended account) are omitted from the result rather than
// reported as errors.
type Lookup interface {
	Lookup(ctx context.Context, ids []rehydrate.ID) ([]rehydrate.Record, error)
}

// Config tunes batching and retry behavior
type Config struct {
	// BatchSize is the number of ids submitted per lookup call. Values
	// outside 1..100 are clamped to the endpoint maximum.
	BatchSize int

	// MaxRetries is the number of times a rate-limited or transient
	// batch is re-submitted before its ids are written off as failures
	MaxRetries int

	// Backoff is the initial wait before retrying a transient error. It
	// doubles per retry up to MaxBackoff.
	Backoff time.Duration

	// MaxBackoff caps any single wait, including waits derived from the
	// provider's rate limit reset header
	MaxBackoff time.Duration

	// Wait is an optional courtesy pause between successful batches
	Wait time.Duration
}

// Service is responsible for mapping tweet ids to tweet content via the
// lookup capability, respecting its batching and rate-limit contract.
// Exactly one result is produced per input id.
type Service struct {
	logger *zap.Logger
	lookup Lookup
	cfg    Config

	// now and sleep are swapped out in tests to simulate clocks
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewService(logger *zap.Logger, lookup Lookup, cfg Config) (*Service, error) {
	s := Service{
		logger: logger,
		lookup: lookup,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	s.normalizeConfig()

	return &s, nil
}

func (s *Service) validate() error {
	var missingDeps []string

	for _, tc := range []struct {
		dep string
		chk func() bool
	}{
		{
			dep: "logger",
			chk: func() bool { return s.logger != nil },
		},
		{
			dep: "lookup",
			chk: func() bool { return s.lookup != nil },
		},
	} {
		if !tc.chk() {
			missingDeps = append(missingDeps, tc.dep)
		}
	}

	if len(missingDeps) > 0 {
		return fmt.Errorf(
			"unable to initialize service due to (%d) missing dependencies: %s",
			len(missingDeps),
			strings.Join(missingDeps, ","),
		)
	}

	return nil
}

func (s *Service) normalizeConfig() {
	if s.cfg.BatchSize < 1 || s.cfg.BatchSize > rehydrate.MaxBatchSize {
		if s.cfg.BatchSize != 0 {
			s.logger.Warn(
				"batch size out of bounds, using maximum",
				zap.Int("batchSize", s.cfg.BatchSize),
				zap.Int("max", rehydrate.MaxBatchSize),
			)
		}
		s.cfg.BatchSize = rehydrate.MaxBatchSize
	}

	if s.cfg.MaxRetries <= 0 {
		s.cfg.MaxRetries = defaultMaxRetries
	}

	if s.cfg.Backoff <= 0 {
		s.cfg.Backoff = defaultBackoff
	}

	if s.cfg.MaxBackoff <= 0 {
		s.cfg.MaxBackoff = defaultMaxBackoff
	}
}

// Rehydrate partitions ids into batches, submits each batch to the
// lookup capability, and emits one result per input id in input order.
// Per-id failures never abort the run; only non-retryable provider
// errors and cancellation do.
func (s *Service) Rehydrate(ctx context.Context, ids []rehydrate.ID, emit func(rehydrate.Result) error) error {
	numBatches := (len(ids) + s.cfg.BatchSize - 1) / s.cfg.BatchSize
	logger := s.logger.With(zap.Int("numIds", len(ids)), zap.Int("numBatches", numBatches))
	logger.Debug("starting rehydration")

	var processed int
	for start := 0; start < len(ids); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		records, failKind, err := s.processBatch(ctx, batch)
		if err != nil {
			return err
		}

		// reconcile requested vs returned ids; the lookup endpoint
		// silently omits tweets it will not return
		byID := make(map[rehydrate.ID]*rehydrate.Record, len(records))
		for i := range records {
			byID[records[i].ID] = &records[i]
		}

		for _, id := range batch {
			res := rehydrate.Result{ID: id}
			if rec, ok := byID[id]; ok {
				res.Record = rec
			} else {
				kind := failKind
				if kind == "" {
					kind = rehydrate.NotFound
				}
				res.Failure = &rehydrate.Failure{ID: id, Reason: kind}
			}

			if err := emit(res); err != nil {
				return err
			}
		}

		processed += len(batch)
		logger.Debug("processed batch", zap.Int("numProcessed", processed))

		// be a good citizen and pause before the next request
		if s.cfg.Wait > 0 && end < len(ids) {
			if err := s.sleep(ctx, s.cfg.Wait); err != nil {
				return err
			}
		}
	}

	logger.Debug("finished rehydration")

	return nil
}

type batchState int

const (
	batchPending batchState = iota
	batchInFlight
	batchWaitingBackoff
	batchDone
	batchExhausted
)

// processBatch runs one batch through the retry state machine:
// Pending -> InFlight -> (Done | WaitingBackoff -> Pending | Exhausted).
// A partially failed call is retried as a unit; records are only
// committed once the whole call succeeds. On exhaustion the returned
// failure kind applies to every id in the batch.
func (s *Service) processBatch(ctx context.Context, batch []rehydrate.ID) ([]rehydrate.Record, rehydrate.FailureKind, error) {
	logger := s.logger.With(zap.Int("batchSize", len(batch)))

	var (
		state    = batchPending
		retries  int
		delay    = s.cfg.Backoff
		wait     time.Duration
		records  []rehydrate.Record
		lastKind rehydrate.FailureKind
	)

	for {
		switch state {
		case batchPending:
			if err := ctx.Err(); err != nil {
				return nil, "", err
			}
			state = batchInFlight

		case batchInFlight:
			recs, err := s.lookup.Lookup(ctx, batch)
			if err == nil {
				records = recs
				state = batchDone
				continue
			}

			var apiErr *APIError
			switch {
			case errors.As(err, &apiErr) && !apiErr.Retryable():
				const msg = "non-retryable provider error"
				logger.Error(msg, zap.Error(err), zap.Int("statusCode", apiErr.StatusCode))
				return nil, "", fmt.Errorf(msg+" (status %d): %s: %w", apiErr.StatusCode, err, rehydrate.ErrFatalProvider)
			case errors.As(err, &apiErr) && apiErr.RateLimited():
				lastKind = rehydrate.RateLimited
				wait = s.rateLimitWait(apiErr)
			case ctx.Err() != nil:
				return nil, "", ctx.Err()
			default:
				lastKind = rehydrate.TransientError
				wait = delay
				delay *= 2
				if delay > s.cfg.MaxBackoff {
					delay = s.cfg.MaxBackoff
				}
			}

			retries++
			if retries > s.cfg.MaxRetries {
				logger.Warn(
					"batch retries exhausted",
					zap.String("reason", lastKind.String()),
					zap.Int("retries", s.cfg.MaxRetries),
				)
				state = batchExhausted
				continue
			}

			logger.Info(
				"retrying batch",
				zap.String("reason", lastKind.String()),
				zap.Duration("wait", wait),
				zap.Int("retry", retries),
			)
			state = batchWaitingBackoff

		case batchWaitingBackoff:
			if err := s.sleep(ctx, wait); err != nil {
				return nil, "", err
			}
			state = batchPending

		case batchDone:
			return records, "", nil

		case batchExhausted:
			return nil, lastKind, nil
		}
	}
}

// rateLimitWait is how long to suspend a rate-limited batch. The
// provider's reset header wins when present; padded by a second so the
// retry lands inside the next window.
func (s *Service) rateLimitWait(apiErr *APIError) time.Duration {
	if apiErr.RateLimitReset.IsZero() {
		return s.cfg.Backoff
	}

	d := apiErr.RateLimitReset.Sub(s.now()) + time.Second
	if d < 0 {
		return s.cfg.Backoff
	}
	if d > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}

	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
