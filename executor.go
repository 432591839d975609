package main

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Executor performs the remote upgrade calls. The service's parameter
// set has drifted across versions, so every call carrying the
// keep-details flag is probed once with the full parameter set and, on
// an unsupported-parameter rejection, retried once without it.
type Executor struct {
	svc GiftService
}

func NewExecutor(svc GiftService) *Executor {
	return &Executor{svc: svc}
}

// UpgradePrepaid spends a previously reserved upgrade.
func (e *Executor) UpgradePrepaid(ctx context.Context, ref GiftRef, keepDetails bool) error {
	err := e.svc.UpgradeGift(ctx, UpgradeRequest{Gift: ref, KeepDetails: &keepDetails})
	if IsParamUnsupported(err) {
		return e.svc.UpgradeGift(ctx, UpgradeRequest{Gift: ref})
	}
	return err
}

// UpgradePaid requests a payment form for the upgrade invoice, then
// submits payment against the returned form id. Both calls must
// succeed.
func (e *Executor) UpgradePaid(ctx context.Context, ref GiftRef, keepDetails bool) error {
	invoice := UpgradeInvoice{Gift: ref, KeepDetails: &keepDetails}
	form, err := e.svc.PaymentForm(ctx, invoice)
	if IsParamUnsupported(err) {
		// detail preservation is best-effort, the upgrade matters more
		invoice = UpgradeInvoice{Gift: ref}
		form, err = e.svc.PaymentForm(ctx, invoice)
	}
	if err != nil {
		return err
	}
	return e.svc.SubmitPaymentForm(ctx, form.FormID, invoice)
}

// FetchBalance returns the current stars balance, probing the explicit
// account form first. Any remote failure yields zero so an uncertain
// balance can never be overspent.
func (e *Executor) FetchBalance(ctx context.Context) int64 {
	self := SourceRef{Self: true}
	bal, err := e.svc.StarsBalance(ctx, &self)
	if IsParamUnsupported(err) {
		bal, err = e.svc.StarsBalance(ctx, nil)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Balance query failed, assuming 0")
		gaugeBalance.Set(0)
		return 0
	}
	gaugeBalance.Set(float64(bal))
	return bal
}
