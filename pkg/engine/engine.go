// Package engine drives batches of transfers through the ledger.
//
// A batch run admits valid intents into a bounded in-flight window, submits
// each one, polls it to a terminal state and retries transient failures per
// Policy. Intents from the same source account are submitted in input order
// and never overlap; intents from distinct sources run independently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"ledger-client/pkg/backoff"
	"ledger-client/pkg/ledger"
	"ledger-client/pkg/logging"
	"ledger-client/pkg/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Balances is the view of the balance cache the engine needs.
type Balances interface {
	Get(ctx context.Context, id ledger.AccountID) (ledger.Balance, error)
	Observe(id ledger.AccountID, bal ledger.Balance) bool
	Invalidate(id ledger.AccountID)
}

// Config configures an Engine.
type Config struct {
	// Balances is used for the pre-check and updated on confirmation. Optional.
	Balances Balances

	// Metrics receives engine metrics. Nil means no-op.
	Metrics metrics.MetricsCollector

	// OnFinish is called once per record when it reaches a terminal state,
	// from the goroutine that finished it.
	OnFinish func(runID string, rec Record)
}

// Engine submits transfer batches. It is safe for concurrent runs.
type Engine struct {
	submitter ledger.Submitter
	balances  Balances
	metrics   metrics.MetricsCollector
	onFinish  func(string, Record)
	logger    *logging.Logger
	now       func() time.Time
}

// New creates an engine submitting through submitter.
func New(submitter ledger.Submitter, config Config) (*Engine, error) {
	if submitter == nil {
		return nil, errors.New("engine: submitter is required")
	}
	return &Engine{
		submitter: submitter,
		balances:  config.Balances,
		metrics:   metrics.OrNoOp(config.Metrics),
		onFinish:  config.OnFinish,
		logger:    logging.Named("engine"),
		now:       time.Now,
	}, nil
}

// Report is the outcome of one batch run.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Records    []Record
}

// Summary aggregates the report.
func (r *Report) Summary() Summary {
	return Summarize(r.Records, r.FinishedAt.Sub(r.StartedAt))
}

// SubmitBatch runs intents to completion under policy and returns one
// record per intent, in input order. The error is only non-nil for an
// invalid policy; per-transaction failures are reported in the records.
func (e *Engine) SubmitBatch(ctx context.Context, intents []ledger.TransferIntent, policy Policy) ([]Record, error) {
	report, err := e.Run(ctx, intents, policy)
	if err != nil {
		return nil, err
	}
	return report.Records, nil
}

// Run is SubmitBatch returning the full report.
func (e *Engine) Run(ctx context.Context, intents []ledger.TransferIntent, policy Policy) (*Report, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: e.now(),
		Records:   make([]Record, len(intents)),
	}
	r := &run{
		engine:  e,
		id:      report.RunID,
		policy:  policy,
		records: report.Records,
		logger:  e.logger.With(logging.RunID(report.RunID)),
	}

	if policy.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Deadline)
		defer cancel()
	}

	r.logger.Info("batch started",
		zap.Int("intents", len(intents)),
		zap.Int("max_in_flight", policy.MaxInFlight),
		zap.Int("max_retries", policy.MaxRetries),
		zap.Duration("deadline", policy.Deadline),
	)

	pending := r.validate(intents)
	if policy.Precheck && e.balances != nil {
		r.precheck(ctx, pending)
	}
	r.dispatch(ctx, pending)

	report.FinishedAt = e.now()
	summary := report.Summary()
	r.logger.Info("batch finished",
		zap.Int("confirmed", summary.Confirmed),
		zap.Int("failed", summary.Failed),
		zap.Int("expired", summary.Expired),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

// run is the state of one batch run.
type run struct {
	engine  *Engine
	id      string
	policy  Policy
	records []Record
	logger  *logging.Logger
}

// validate creates the records and fails structurally invalid intents
// without touching the network. It returns the indices left to submit.
func (r *run) validate(intents []ledger.TransferIntent) []int {
	now := r.engine.now()
	pending := make([]int, 0, len(intents))
	for i, intent := range intents {
		r.records[i] = newRecord(i, intent, now)
		if err := intent.Validate(); err != nil {
			r.records[i].fail(err, now)
			r.finished(&r.records[i])
			r.logger.Warn("invalid intent",
				zap.Int("index", i),
				zap.String("correlation_id", intent.CorrelationID),
				zap.Error(err),
			)
			continue
		}
		pending = append(pending, i)
	}
	return pending
}

// precheck compares each source's cumulative outgoing amount with its
// cached balance. Findings are advisory; every intent is still submitted.
func (r *run) precheck(ctx context.Context, pending []int) {
	needed := make(map[ledger.AccountID]uint64)
	known := make(map[ledger.AccountID]ledger.Balance)
	failed := make(map[ledger.AccountID]error)

	for _, idx := range pending {
		rec := &r.records[idx]
		src := rec.Intent.Source
		needed[src] += uint64(rec.Intent.Amount)

		if err, ok := failed[src]; ok {
			rec.Advisory = fmt.Sprintf("balance unknown: %v", err)
			continue
		}
		bal, ok := known[src]
		if !ok {
			var err error
			bal, err = r.engine.balances.Get(ctx, src)
			if err != nil {
				failed[src] = err
				rec.Advisory = fmt.Sprintf("balance unknown: %v", err)
				r.logger.Warn("pre-check lookup failed",
					logging.Account("source", src),
					zap.Error(err),
				)
				continue
			}
			known[src] = bal
		}

		if bal.Amount < needed[src] {
			rec.Advisory = fmt.Sprintf("insufficient balance: source holds %d, batch needs %d", bal.Amount, needed[src])
			r.logger.Warn("pre-check shortfall",
				zap.Int("index", idx),
				logging.Account("source", src),
				zap.Uint64("balance", bal.Amount),
				zap.Uint64("needed", needed[src]),
			)
		}
	}
}

// dispatch admits pending intents into the in-flight window until every
// record is terminal or ctx is done.
func (r *run) dispatch(ctx context.Context, pending []int) {
	done := make(chan int)
	busy := make(map[ledger.AccountID]bool)
	inFlight := 0

	admit := func() {
		for inFlight < r.policy.MaxInFlight {
			k := slices.IndexFunc(pending, func(idx int) bool {
				return !busy[r.records[idx].Intent.Source]
			})
			if k < 0 {
				return
			}
			idx := pending[k]
			pending = slices.Delete(pending, k, k+1)

			busy[r.records[idx].Intent.Source] = true
			inFlight++
			r.engine.metrics.RecordInFlight(inFlight)

			go func() {
				r.drive(ctx, &r.records[idx])
				done <- idx
			}()
		}
	}

	release := func(idx int) {
		delete(busy, r.records[idx].Intent.Source)
		inFlight--
		r.engine.metrics.RecordInFlight(inFlight)
	}

	if ctx.Err() == nil {
		admit()
	}
	for inFlight > 0 {
		select {
		case idx := <-done:
			release(idx)
			if ctx.Err() == nil {
				admit()
			}
		case <-ctx.Done():
			// Abandon the rest; in-flight drivers see ctx and expire themselves.
			now := r.engine.now()
			for _, idx := range pending {
				r.records[idx].expire(context.Cause(ctx), now)
				r.finished(&r.records[idx])
			}
			pending = nil
			for inFlight > 0 {
				release(<-done)
			}
		}
	}

	// Only reachable with pending work when ctx ended before anything was admitted.
	if len(pending) > 0 {
		now := r.engine.now()
		for _, idx := range pending {
			r.records[idx].expire(context.Cause(ctx), now)
			r.finished(&r.records[idx])
		}
	}
}

// drive takes one record from admission to a terminal state.
//
// A signed transaction is resent unchanged on every retry; the ledger
// executes a signature at most once. The intent is only signed again after
// every accepted signature was reported expired, so at most one of its
// transactions can ever land.
func (r *run) drive(ctx context.Context, rec *Record) {
	logger := r.logger.With(
		zap.Int("index", rec.Index),
		zap.String("correlation_id", rec.Intent.CorrelationID),
	)
	defer r.finished(rec)

	var (
		tx   *ledger.SignedTx
		live []ledger.Signature
	)
	for {
		if ctx.Err() != nil {
			rec.expire(context.Cause(ctx), r.engine.now())
			return
		}

		rec.Attempts++
		var err error
		if tx == nil {
			var signed ledger.SignedTx
			if signed, err = r.engine.submitter.SignAndBuild(ctx, rec.Intent); err == nil {
				tx = &signed
				rec.signed(signed.Signature)
			}
		}
		var sig ledger.Signature
		if err == nil {
			sig, err = r.engine.submitter.Submit(ctx, *tx)
		}
		r.engine.metrics.RecordSubmitAttempt(ledger.ClassifyError(err))

		if err == nil {
			rec.submitted(sig, r.engine.now())
			if !slices.Contains(live, sig) {
				live = append(live, sig)
			}
			logger.Debug("transaction submitted",
				logging.Signature(sig),
				zap.Int("attempt", rec.Attempts),
			)
		}
		// An expired resend says nothing about the copy the ledger already
		// accepted, so that one is still followed.
		if err == nil || (errors.Is(err, ledger.ErrTxExpired) && len(live) > 0) {
			live, err = r.await(ctx, rec, live, r.policy.AttemptTimeout)
			if rec.State.Terminal() {
				return
			}
		}
		if errors.Is(err, ledger.ErrTxExpired) && len(live) == 0 {
			tx = nil
		}

		if ctx.Err() != nil {
			rec.expire(context.Cause(ctx), r.engine.now())
			return
		}

		if !ledger.IsTransient(err) {
			rec.fail(err, r.engine.now())
			logger.Warn("transaction failed", zap.Int("attempts", rec.Attempts), zap.Error(err))
			return
		}
		if rec.Attempts > r.policy.MaxRetries {
			r.exhausted(ctx, rec, live, err, logger)
			return
		}

		delay := r.policy.delay(rec.Attempts)
		logger.Info("retrying transaction",
			zap.Int("attempt", rec.Attempts),
			zap.Bool("resign", tx == nil),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := backoff.Sleep(ctx, delay); err != nil {
			rec.expire(context.Cause(ctx), r.engine.now())
			return
		}
	}
}

// exhausted ends a record that ran out of retries. Signatures the ledger
// accepted can still land, so they are followed until one confirms or all
// of them expire.
func (r *run) exhausted(ctx context.Context, rec *Record, live []ledger.Signature, cause error, logger *logging.Logger) {
	if len(live) > 0 {
		logger.Info("retries exhausted, waiting for accepted transactions",
			zap.Int("signatures", len(live)),
		)
		r.await(ctx, rec, live, 0)
		if rec.State.Terminal() {
			return
		}
		if ctx.Err() != nil {
			rec.expire(context.Cause(ctx), r.engine.now())
			return
		}
	}
	rec.fail(fmt.Errorf("%w after %d attempts: %w", ledger.ErrRetriesExhausted, rec.Attempts, cause), r.engine.now())
	logger.Warn("transaction retries exhausted", zap.Int("attempts", rec.Attempts), zap.Error(cause))
}

// await polls every live signature of rec. It returns once rec is
// terminal, every signature expired (an ErrTxExpired error), the latest
// submission stayed unconfirmed for timeout, or ctx is done. Zero timeout
// waits without limit. The returned slice drops expired signatures.
func (r *run) await(ctx context.Context, rec *Record, live []ledger.Signature, timeout time.Duration) ([]ledger.Signature, error) {
	ticker := time.NewTicker(r.policy.PollInterval)
	defer ticker.Stop()

	var attemptDeadline time.Time
	if timeout > 0 {
		attemptDeadline = rec.LastSubmittedAt.Add(timeout)
	}

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return live, ctx.Err()
		case <-ticker.C:
		}

		for _, sig := range slices.Clone(live) {
			st, err := r.engine.submitter.GetStatus(ctx, sig)
			now := r.engine.now()
			rec.LastCheckedAt = now

			switch {
			case err != nil && ledger.IsRejected(err):
				rec.fail(err, now)
				return live, nil
			case err != nil:
				lastErr = err
			case st.State == ledger.TxConfirmed:
				rec.confirm(sig, st.Slot, now)
				r.settle(rec, st)
				return live, nil
			case st.State == ledger.TxFailed:
				reason := st.Err
				if reason == nil {
					reason = errors.New("transaction failed on chain")
				}
				rec.Signature = sig
				rec.fail(ledger.Rejected(reason), now)
				return live, nil
			case st.State == ledger.TxExpired:
				live = slices.DeleteFunc(live, func(s ledger.Signature) bool { return s == sig })
				r.logger.Debug("transaction expired unexecuted",
					zap.Int("index", rec.Index),
					logging.Signature(sig),
				)
			}
		}

		if len(live) == 0 {
			return live, ledger.Transient(fmt.Errorf("%w: %s", ledger.ErrTxExpired, rec.Signature))
		}
		if !attemptDeadline.IsZero() && !r.engine.now().Before(attemptDeadline) {
			timeoutErr := fmt.Errorf("%w: unconfirmed after %v", ledger.ErrTimeout, timeout)
			if lastErr != nil {
				timeoutErr = fmt.Errorf("%w (last status error: %v)", timeoutErr, lastErr)
			}
			return live, ledger.Transient(timeoutErr)
		}
	}
}

// settle pushes post-confirmation balances into the cache, or invalidates
// both accounts when the ledger did not report them.
func (r *run) settle(rec *Record, st ledger.Status) {
	b := r.engine.balances
	if b == nil {
		return
	}

	if len(st.Balances) == 0 {
		b.Invalidate(rec.Intent.Source)
		b.Invalidate(rec.Intent.Destination)
		return
	}
	for _, ab := range st.Balances {
		b.Observe(ab.Account, ab.Balance)
	}
}

func (r *run) finished(rec *Record) {
	r.engine.metrics.RecordTransaction(rec.State.String(), rec.Attempts, rec.Elapsed())
	if rec.State == Confirmed {
		r.logger.Info("transaction confirmed",
			zap.Int("index", rec.Index),
			logging.Signature(rec.Signature),
			zap.Uint64("slot", rec.ConfirmedSlot),
			zap.Int("attempts", rec.Attempts),
		)
	}
	if r.engine.onFinish != nil {
		r.engine.onFinish(r.id, *rec)
	}
}
