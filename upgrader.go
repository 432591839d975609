package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Outcome is the terminal state of one gift's pass through the
// decision machine.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeError             Outcome = "error"
	OutcomeSkipDone          Outcome = "skip:done"
	OutcomeSkipNotUpgradable Outcome = "skip:not_upgradable"
	OutcomeSkipNoBalance     Outcome = "skip:no_balance"
	OutcomeSkipUncertain     Outcome = "skip:uncertain"
	OutcomeSkipUnaddressable Outcome = "skip:unaddressable"
)

const rateLimitMargin = time.Second

type UpgraderConfig struct {
	Sources     []string
	DryRun      bool
	KeepDetails bool
	ReportTo    string
}

// Upgrader runs the scan-decide-upgrade cycle.
type Upgrader struct {
	svc     GiftService
	exec    *Executor
	catalog *CatalogReader
	store   UpgradeStore
	audit   *AuditLog
	cfg     UpgraderConfig
}

func NewUpgrader(svc GiftService, catalog *CatalogReader, store UpgradeStore, audit *AuditLog, cfg UpgraderConfig) *Upgrader {
	return &Upgrader{
		svc:     svc,
		exec:    NewExecutor(svc),
		catalog: catalog,
		store:   store,
		audit:   audit,
		cfg:     cfg,
	}
}

type itemResult struct {
	Outcome Outcome
	Note    string
	Spent   int64
}

// tryUpgradeOne classifies a single gift and executes the upgrade when
// eligible. balance is the cycle's running balance. A returned error
// means the item was aborted mid-call (rate limit, unexpected failure)
// and the caller decides how to recover; terminal business outcomes
// come back as itemResult with a nil error.
func (u *Upgrader) tryUpgradeOne(ctx context.Context, saved *SavedGift, source SourceRef, balance int64) (itemResult, error) {
	src := source.String()

	key, ref, err := saved.Ref()
	if err != nil {
		metErrors.Inc()
		u.audit.Append(AuditEvent{Event: "skip_unaddressable", Source: src, Err: err.Error()})
		return itemResult{Outcome: OutcomeSkipUnaddressable, Note: fmt.Sprintf("skip: unaddressable (%v)", err)}, nil
	}

	need := saved.UpgradeCost()
	prepaid := saved.Prepaid()
	canUp := saved.CanUpgrade
	u.audit.Append(AuditEvent{Event: "consider", Source: src, Key: key, Need: need, Prepaid: prepaid, CanUpgrade: canUp})

	done, err := u.store.IsDone(ctx, src, key)
	if err != nil {
		// a broken store must not trigger duplicate spends
		return itemResult{}, fmt.Errorf("dedup lookup for %s: %w", key, err)
	}
	if done {
		u.audit.Append(AuditEvent{Event: "skip_done", Source: src, Key: key})
		return itemResult{Outcome: OutcomeSkipDone, Note: fmt.Sprintf("skip: already_done (%s)", key)}, nil
	}

	if !canUp && !prepaid && need <= 0 {
		u.audit.Append(AuditEvent{Event: "skip_not_upgradable", Source: src, Key: key})
		return itemResult{Outcome: OutcomeSkipNotUpgradable, Note: fmt.Sprintf("skip: not_upgradable (%s)", key)}, nil
	}

	metGiftsUpgradable.Inc()

	// 1) prepaid upgrade
	if prepaid {
		metUpgradeAttempts.Inc()
		if u.cfg.DryRun {
			log.Info().Str("key", key).Msg("DRY_RUN prepaid upgrade")
			u.audit.Append(AuditEvent{Event: "dry_upgrade_prepaid", Source: src, Key: key})
			u.markDone(ctx, src, key)
			return itemResult{Outcome: OutcomeSuccess, Note: "prepaid-upgrade (dry)"}, nil
		}
		err := u.exec.UpgradePrepaid(ctx, ref, u.cfg.KeepDetails)
		if err == nil {
			metUpgradeSuccess.Inc()
			u.audit.Append(AuditEvent{Event: "upgrade_prepaid_ok", Source: src, Key: key})
			u.markDone(ctx, src, key)
			return itemResult{Outcome: OutcomeSuccess, Note: "prepaid-upgrade OK"}, nil
		}
		var re *RemoteError
		if !errors.As(err, &re) {
			return itemResult{}, err
		}
		log.Warn().Str("key", key).Err(err).Msg("Prepaid upgrade rejected, trying paid flow")
	}

	// 2) paid upgrade
	if need > 0 {
		if balance < need {
			u.audit.Append(AuditEvent{Event: "skip_no_balance", Source: src, Key: key, Need: need})
			return itemResult{Outcome: OutcomeSkipNoBalance, Note: fmt.Sprintf("no-balance: need %d, have %d", need, balance)}, nil
		}

		metUpgradeAttempts.Inc()
		if u.cfg.DryRun {
			log.Info().Str("key", key).Int64("need", need).Msg("DRY_RUN paid upgrade")
			u.audit.Append(AuditEvent{Event: "dry_upgrade_paid", Source: src, Key: key, Need: need})
			u.markDone(ctx, src, key)
			return itemResult{Outcome: OutcomeSuccess, Note: fmt.Sprintf("paid-upgrade (dry) need=%d", need)}, nil
		}

		err := u.exec.UpgradePaid(ctx, ref, u.cfg.KeepDetails)
		if err == nil {
			metUpgradeSuccess.Inc()
			u.audit.Append(AuditEvent{Event: "upgrade_paid_ok", Source: src, Key: key, Need: need})
			u.markDone(ctx, src, key)
			return itemResult{Outcome: OutcomeSuccess, Note: fmt.Sprintf("paid-upgrade OK need=%d", need), Spent: need}, nil
		}
		var re *RemoteError
		if !errors.As(err, &re) {
			return itemResult{}, err
		}
		metErrors.Inc()
		u.audit.Append(AuditEvent{Event: "upgrade_paid_err", Source: src, Key: key, Need: need, Err: err.Error()})
		return itemResult{Outcome: OutcomeError, Note: fmt.Sprintf("paid-upgrade ERROR: %v", err)}, nil
	}

	u.audit.Append(AuditEvent{Event: "skip_uncertain", Source: src, Key: key})
	return itemResult{Outcome: OutcomeSkipUncertain, Note: fmt.Sprintf("skip: uncertain (%s)", key)}, nil
}

func (u *Upgrader) markDone(ctx context.Context, source, key string) {
	if err := u.store.MarkDone(ctx, source, key); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to record upgrade in state store")
	}
}

// RunCycle scans every configured source once. Only rate-limit and
// context errors escape; per-item failures are absorbed so one bad
// gift never stops the pass.
func (u *Upgrader) RunCycle(ctx context.Context) error {
	gaugeLastRun.SetToCurrentTime()
	metCycles.Inc()

	balance := u.exec.FetchBalance(ctx)
	log.Info().Int64("balance", balance).Msg("Stars balance")

	var stats CycleStats

	for _, name := range u.cfg.Sources {
		source, err := u.svc.ResolveSource(ctx, name)
		if err != nil {
			metErrors.Inc()
			log.Error().Err(err).Str("source", name).Msg("Failed to resolve source")
			continue
		}

		sl := log.With().Str("source", name).Logger()
		sl.Info().Msg("Scanning source")

		anyFound := false
		err = u.catalog.Each(ctx, source, func(saved *SavedGift) error {
			anyFound = true
			stats.Found++
			return u.processOne(ctx, sl, saved, source, &balance, &stats)
		})
		if err != nil {
			return err
		}

		if !anyFound {
			sl.Info().Msg("No gifts found")
		}
	}

	u.report(ctx, stats)
	return nil
}

// processOne wraps tryUpgradeOne with the item-level error policy:
// rate limits sleep out the requested window and continue, remote
// rejections and unexpected failures are counted and skipped.
func (u *Upgrader) processOne(ctx context.Context, sl zerolog.Logger, saved *SavedGift, source SourceRef, balance *int64, stats *CycleStats) error {
	res, err := u.tryUpgradeOne(ctx, saved, source, *balance)
	if err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			metRateLimitSeconds.Add(rl.RetryAfter.Seconds())
			sl.Warn().Dur("wait", rl.RetryAfter).Msg("Rate limited, sleeping")
			return sleepCtx(ctx, rl.RetryAfter+rateLimitMargin)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metErrors.Inc()
		sl.Error().Err(err).Msg("Gift processing failed")
		return nil
	}

	if res.Outcome == OutcomeSuccess {
		stats.Upgraded++
		stats.Spent += res.Spent
		if res.Spent > 0 {
			*balance -= res.Spent
			if *balance < 0 {
				*balance = 0
			}
		}
	}
	sl.Info().Str("outcome", string(res.Outcome)).Msg(res.Note)
	return nil
}

func (u *Upgrader) report(ctx context.Context, stats CycleStats) {
	dry := "OFF"
	if u.cfg.DryRun {
		dry = "ON"
	}
	text := fmt.Sprintf(
		"🟦 Gift Upgrader\nSources: %s\nFound: %d | Upgraded: %d\nSpent (XTR): %d\nDRY_RUN: %s\n%s",
		strings.Join(u.cfg.Sources, ", "),
		stats.Found, stats.Upgraded, stats.Spent, dry,
		time.Now().Format("2006-01-02 15:04:05"),
	)
	if err := u.svc.SendMessage(ctx, u.cfg.ReportTo, text); err != nil {
		log.Warn().Err(err).Msg("Report failed")
	}
}
