package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// runs before all tests and configures the test environment
func TestMain(m *testing.M) {
	// we do not need logging during the tests
	zerolog.SetGlobalLevel(zerolog.Disabled)

	code := m.Run()

	os.Exit(code)
}

type MockGiftService struct {
	mock.Mock
}

func (m *MockGiftService) ResolveSource(ctx context.Context, source string) (SourceRef, error) {
	args := m.Called(ctx, source)
	return args.Get(0).(SourceRef), args.Error(1)
}

func (m *MockGiftService) StarsBalance(ctx context.Context, account *SourceRef) (int64, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockGiftService) SavedGifts(ctx context.Context, req SavedGiftsRequest) (*SavedGiftsPage, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SavedGiftsPage), args.Error(1)
}

func (m *MockGiftService) UpgradeGift(ctx context.Context, req UpgradeRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockGiftService) PaymentForm(ctx context.Context, invoice UpgradeInvoice) (*PaymentForm, error) {
	args := m.Called(ctx, invoice)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PaymentForm), args.Error(1)
}

func (m *MockGiftService) SubmitPaymentForm(ctx context.Context, formID int64, invoice UpgradeInvoice) error {
	args := m.Called(ctx, formID, invoice)
	return args.Error(0)
}

func (m *MockGiftService) SendMessage(ctx context.Context, to, text string) error {
	args := m.Called(ctx, to, text)
	return args.Error(0)
}

func (m *MockGiftService) WatchActivity(ctx context.Context, sources []SourceRef) (<-chan ActivityEvent, error) {
	args := m.Called(ctx, sources)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(<-chan ActivityEvent), args.Error(1)
}

func newTestUpgrader(t *testing.T, svc GiftService, cfg UpgraderConfig) (*Upgrader, *InMemoryUpgradeStore) {
	t.Helper()
	if cfg.ReportTo == "" {
		cfg.ReportTo = "me"
	}
	store := NewInMemoryUpgradeStore()
	audit := NewAuditLog(filepath.Join(t.TempDir(), "audit.jsonl"))
	return NewUpgrader(svc, NewCatalogReader(svc, 100), store, audit, cfg), store
}

func TestTryUpgradeOnePrepaid(t *testing.T) {
	svc := new(MockGiftService)
	u, store := newTestUpgrader(t, svc, UpgraderConfig{KeepDetails: true})
	ctx := context.Background()
	source := SourceRef{Self: true}

	gift := &SavedGift{MsgID: 42, PrepaidUpgradeHash: "abc", CanUpgrade: true}
	svc.On("UpgradeGift", mock.Anything, mock.MatchedBy(func(req UpgradeRequest) bool {
		return req.Gift.MsgID == 42 && req.KeepDetails != nil && *req.KeepDetails
	})).Return(nil).Once()

	res, err := u.tryUpgradeOne(ctx, gift, source, 100)

	assert.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Zero(t, res.Spent, "prepaid upgrade spends nothing")

	done, _ := store.IsDone(ctx, "me", "user_msg:42")
	assert.True(t, done)
	svc.AssertExpectations(t)
	svc.AssertNotCalled(t, "PaymentForm", mock.Anything, mock.Anything)
}

func TestTryUpgradeOneIdempotent(t *testing.T) {
	svc := new(MockGiftService)
	u, _ := newTestUpgrader(t, svc, UpgraderConfig{})
	ctx := context.Background()
	source := SourceRef{Self: true}

	gift := &SavedGift{MsgID: 7, PrepaidUpgradeHash: "h"}
	svc.On("UpgradeGift", mock.Anything, mock.Anything).Return(nil).Once()

	first, err := u.tryUpgradeOne(ctx, gift, source, 0)
	assert.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, first.Outcome)

	second, err := u.tryUpgradeOne(ctx, gift, source, 0)
	assert.NoError(t, err)
	assert.Equal(t, OutcomeSkipDone, second.Outcome)

	// exactly one mutating call across both passes
	svc.AssertNumberOfCalls(t, "UpgradeGift", 1)
}

func TestTryUpgradeOnePaid(t *testing.T) {
	tests := []struct {
		name          string
		balance       int64
		cost          string
		submitErr     error
		wantOutcome   Outcome
		wantSpent     int64
		wantDone      bool
		expectAttempt bool
	}{
		{
			name:          "sufficient balance",
			balance:       100,
			cost:          "50",
			wantOutcome:   OutcomeSuccess,
			wantSpent:     50,
			wantDone:      true,
			expectAttempt: true,
		},
		{
			name:        "insufficient balance",
			balance:     30,
			cost:        "50",
			wantOutcome: OutcomeSkipNoBalance,
		},
		{
			name:          "remote rejection",
			balance:       100,
			cost:          "50",
			submitErr:     &RemoteError{Code: "BALANCE_TOO_LOW", Message: "not enough stars"},
			wantOutcome:   OutcomeError,
			expectAttempt: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockGiftService)
			u, store := newTestUpgrader(t, svc, UpgraderConfig{KeepDetails: true})
			ctx := context.Background()
			source := SourceRef{ID: 99}

			gift := &SavedGift{SavedID: 5, CanUpgrade: true, UpgradeStars: []byte(tt.cost)}

			if tt.expectAttempt {
				svc.On("PaymentForm", mock.Anything, mock.Anything).Return(&PaymentForm{FormID: 11}, nil).Once()
				svc.On("SubmitPaymentForm", mock.Anything, int64(11), mock.Anything).Return(tt.submitErr).Once()
			}

			res, err := u.tryUpgradeOne(ctx, gift, source, tt.balance)

			assert.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantSpent, res.Spent)

			done, _ := store.IsDone(ctx, source.String(), "chat_saved:5")
			assert.Equal(t, tt.wantDone, done, "dedup record presence")
			svc.AssertExpectations(t)
		})
	}
}

func TestTryUpgradeOnePrepaidFallsBackToPaid(t *testing.T) {
	svc := new(MockGiftService)
	u, store := newTestUpgrader(t, svc, UpgraderConfig{})
	ctx := context.Background()
	source := SourceRef{Self: true}

	gift := &SavedGift{MsgID: 3, PrepaidUpgradeHash: "h", UpgradeStars: []byte("25")}

	svc.On("UpgradeGift", mock.Anything, mock.Anything).
		Return(&RemoteError{Code: "UPGRADE_NOT_PREPAID", Message: "reservation expired"}).Once()
	svc.On("PaymentForm", mock.Anything, mock.Anything).Return(&PaymentForm{FormID: 1}, nil).Once()
	svc.On("SubmitPaymentForm", mock.Anything, int64(1), mock.Anything).Return(nil).Once()

	res, err := u.tryUpgradeOne(ctx, gift, source, 100)

	assert.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, int64(25), res.Spent)

	done, _ := store.IsDone(ctx, "me", "user_msg:3")
	assert.True(t, done)
	svc.AssertExpectations(t)
}

func TestTryUpgradeOneSkips(t *testing.T) {
	tests := []struct {
		name        string
		gift        *SavedGift
		wantOutcome Outcome
	}{
		{
			name:        "not upgradable",
			gift:        &SavedGift{MsgID: 1},
			wantOutcome: OutcomeSkipNotUpgradable,
		},
		{
			name:        "uncertain: can_upgrade but no cost and no token",
			gift:        &SavedGift{MsgID: 2, CanUpgrade: true},
			wantOutcome: OutcomeSkipUncertain,
		},
		{
			name:        "neither addressing scheme",
			gift:        &SavedGift{CanUpgrade: true, UpgradeStars: []byte("10")},
			wantOutcome: OutcomeSkipUnaddressable,
		},
		{
			name:        "both addressing schemes",
			gift:        &SavedGift{MsgID: 1, SavedID: 2, CanUpgrade: true},
			wantOutcome: OutcomeSkipUnaddressable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockGiftService)
			u, _ := newTestUpgrader(t, svc, UpgraderConfig{})

			res, err := u.tryUpgradeOne(context.Background(), tt.gift, SourceRef{Self: true}, 1000)

			assert.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			svc.AssertNotCalled(t, "UpgradeGift", mock.Anything, mock.Anything)
			svc.AssertNotCalled(t, "PaymentForm", mock.Anything, mock.Anything)
		})
	}
}

func TestTryUpgradeOneDryRun(t *testing.T) {
	tests := []struct {
		name string
		gift *SavedGift
	}{
		{name: "prepaid", gift: &SavedGift{MsgID: 10, PrepaidUpgradeHash: "h"}},
		{name: "paid", gift: &SavedGift{MsgID: 11, CanUpgrade: true, UpgradeStars: []byte("40")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockGiftService)
			u, store := newTestUpgrader(t, svc, UpgraderConfig{DryRun: true})
			ctx := context.Background()

			res, err := u.tryUpgradeOne(ctx, tt.gift, SourceRef{Self: true}, 1000)

			assert.NoError(t, err)
			assert.Equal(t, OutcomeSuccess, res.Outcome)
			assert.Zero(t, res.Spent, "dry run never spends")

			key, _, _ := tt.gift.Ref()
			done, _ := store.IsDone(ctx, "me", key)
			assert.True(t, done, "dry run marks done to avoid repeat noise")

			// zero executor calls under dry run
			svc.AssertNotCalled(t, "UpgradeGift", mock.Anything, mock.Anything)
			svc.AssertNotCalled(t, "PaymentForm", mock.Anything, mock.Anything)
			svc.AssertNotCalled(t, "SubmitPaymentForm", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestTryUpgradeOneRateLimitPropagates(t *testing.T) {
	svc := new(MockGiftService)
	u, store := newTestUpgrader(t, svc, UpgraderConfig{})
	ctx := context.Background()

	gift := &SavedGift{MsgID: 9, PrepaidUpgradeHash: "h"}
	svc.On("UpgradeGift", mock.Anything, mock.Anything).
		Return(&RateLimitError{RetryAfter: 30 * time.Second}).Once()

	_, err := u.tryUpgradeOne(ctx, gift, SourceRef{Self: true}, 0)

	var rl *RateLimitError
	assert.ErrorAs(t, err, &rl)
	assert.Equal(t, 30*time.Second, rl.RetryAfter)

	done, _ := store.IsDone(ctx, "me", "user_msg:9")
	assert.False(t, done, "aborted item stays eligible")
}

func TestRunCycleBalanceFlow(t *testing.T) {
	svc := new(MockGiftService)
	u, store := newTestUpgrader(t, svc, UpgraderConfig{Sources: []string{"me"}, ReportTo: "me"})
	ctx := context.Background()

	// two paid gifts at 60 each, balance 100: first succeeds, second
	// hits the decremented running balance
	gifts := []*SavedGift{
		{MsgID: 1, CanUpgrade: true, UpgradeStars: []byte("60")},
		{MsgID: 2, CanUpgrade: true, UpgradeStars: []byte("60")},
	}

	svc.On("ResolveSource", mock.Anything, "me").Return(SourceRef{Self: true}, nil).Once()
	svc.On("StarsBalance", mock.Anything, mock.Anything).Return(int64(100), nil).Once()
	svc.On("SavedGifts", mock.Anything, mock.Anything).Return(&SavedGiftsPage{Gifts: gifts}, nil).Once()
	svc.On("PaymentForm", mock.Anything, mock.Anything).Return(&PaymentForm{FormID: 5}, nil).Once()
	svc.On("SubmitPaymentForm", mock.Anything, int64(5), mock.Anything).Return(nil).Once()
	svc.On("SendMessage", mock.Anything, "me", mock.Anything).Return(nil).Once()

	err := u.RunCycle(ctx)

	assert.NoError(t, err)
	done1, _ := store.IsDone(ctx, "me", "user_msg:1")
	done2, _ := store.IsDone(ctx, "me", "user_msg:2")
	assert.True(t, done1)
	assert.False(t, done2, "second gift must hit skip:no_balance")
	svc.AssertExpectations(t)
	svc.AssertNumberOfCalls(t, "PaymentForm", 1)
}

func TestRunCycleResolutionFailureSkipsSource(t *testing.T) {
	svc := new(MockGiftService)
	u, _ := newTestUpgrader(t, svc, UpgraderConfig{Sources: []string{"@broken", "@ok"}, ReportTo: "me"})
	ctx := context.Background()

	svc.On("StarsBalance", mock.Anything, mock.Anything).Return(int64(0), nil).Once()
	svc.On("ResolveSource", mock.Anything, "@broken").
		Return(SourceRef{}, &RemoteError{Code: "NOT_FOUND", Message: "no such channel"}).Once()
	svc.On("ResolveSource", mock.Anything, "@ok").Return(SourceRef{ID: 1}, nil).Once()
	svc.On("SavedGifts", mock.Anything, mock.Anything).Return(&SavedGiftsPage{}, nil).Once()
	svc.On("SendMessage", mock.Anything, "me", mock.Anything).Return(nil).Once()

	err := u.RunCycle(ctx)

	assert.NoError(t, err, "one bad source must not abort the cycle")
	svc.AssertExpectations(t)
}

func TestRunCycleReportFailureIgnored(t *testing.T) {
	svc := new(MockGiftService)
	u, _ := newTestUpgrader(t, svc, UpgraderConfig{Sources: []string{"me"}, ReportTo: "me"})

	svc.On("StarsBalance", mock.Anything, mock.Anything).Return(int64(0), nil).Once()
	svc.On("ResolveSource", mock.Anything, "me").Return(SourceRef{Self: true}, nil).Once()
	svc.On("SavedGifts", mock.Anything, mock.Anything).Return(&SavedGiftsPage{}, nil).Once()
	svc.On("SendMessage", mock.Anything, "me", mock.Anything).
		Return(&RemoteError{Code: "BLOCKED", Message: "cannot write"}).Once()

	assert.NoError(t, u.RunCycle(context.Background()))
	svc.AssertExpectations(t)
}

func TestExecutorKeepDetailsFallback(t *testing.T) {
	unsupported := &RemoteError{Code: "PARAM_UNSUPPORTED", Message: "unknown parameter"}

	t.Run("prepaid retries once without flag", func(t *testing.T) {
		svc := new(MockGiftService)
		exec := NewExecutor(svc)

		svc.On("UpgradeGift", mock.Anything, mock.MatchedBy(func(req UpgradeRequest) bool {
			return req.KeepDetails != nil
		})).Return(unsupported).Once()
		svc.On("UpgradeGift", mock.Anything, mock.MatchedBy(func(req UpgradeRequest) bool {
			return req.KeepDetails == nil
		})).Return(nil).Once()

		err := exec.UpgradePrepaid(context.Background(), GiftRef{MsgID: 1}, true)

		assert.NoError(t, err)
		svc.AssertExpectations(t)
	})

	t.Run("prepaid other rejection propagates unchanged", func(t *testing.T) {
		svc := new(MockGiftService)
		exec := NewExecutor(svc)

		rejection := &RemoteError{Code: "GIFT_ALREADY_UNIQUE", Message: "already upgraded"}
		svc.On("UpgradeGift", mock.Anything, mock.Anything).Return(rejection).Once()

		err := exec.UpgradePrepaid(context.Background(), GiftRef{MsgID: 1}, true)

		assert.Equal(t, rejection, err)
		svc.AssertNumberOfCalls(t, "UpgradeGift", 1)
	})

	t.Run("paid form retries with reduced invoice and submits it", func(t *testing.T) {
		svc := new(MockGiftService)
		exec := NewExecutor(svc)

		svc.On("PaymentForm", mock.Anything, mock.MatchedBy(func(inv UpgradeInvoice) bool {
			return inv.KeepDetails != nil
		})).Return(nil, unsupported).Once()
		svc.On("PaymentForm", mock.Anything, mock.MatchedBy(func(inv UpgradeInvoice) bool {
			return inv.KeepDetails == nil
		})).Return(&PaymentForm{FormID: 7}, nil).Once()
		// the submitted invoice must match the one the form was built for
		svc.On("SubmitPaymentForm", mock.Anything, int64(7), mock.MatchedBy(func(inv UpgradeInvoice) bool {
			return inv.KeepDetails == nil
		})).Return(nil).Once()

		err := exec.UpgradePaid(context.Background(), GiftRef{SavedID: 2}, true)

		assert.NoError(t, err)
		svc.AssertExpectations(t)
	})

	t.Run("paid submit failure propagates", func(t *testing.T) {
		svc := new(MockGiftService)
		exec := NewExecutor(svc)

		rejection := &RemoteError{Code: "FORM_EXPIRED", Message: "unknown form id"}
		svc.On("PaymentForm", mock.Anything, mock.Anything).Return(&PaymentForm{FormID: 3}, nil).Once()
		svc.On("SubmitPaymentForm", mock.Anything, int64(3), mock.Anything).Return(rejection).Once()

		err := exec.UpgradePaid(context.Background(), GiftRef{MsgID: 4}, false)

		assert.Equal(t, rejection, err)
	})
}

func TestFetchBalance(t *testing.T) {
	t.Run("explicit account form", func(t *testing.T) {
		svc := new(MockGiftService)
		exec := NewExecutor(svc)

		svc.On("StarsBalance", mock.Anything, mock.MatchedBy(func(acct *SourceRef) bool {
			return acct != nil && acct.Self
		})).Return(int64(777), nil).Once()

		assert.Equal(t, int64(777), exec.FetchBalance(context.Background()))
		svc.AssertExpectations(t)
	})

	t.Run("falls back to parameterless form", func(t *testing.T) {
		svc := new(MockGiftService)
		exec := NewExecutor(svc)

		svc.On("StarsBalance", mock.Anything, mock.MatchedBy(func(acct *SourceRef) bool {
			return acct != nil
		})).Return(int64(0), &RemoteError{Code: "PARAM_UNSUPPORTED", Message: "unknown parameter"}).Once()
		svc.On("StarsBalance", mock.Anything, (*SourceRef)(nil)).Return(int64(42), nil).Once()

		assert.Equal(t, int64(42), exec.FetchBalance(context.Background()))
		svc.AssertExpectations(t)
	})

	t.Run("remote error means zero for this cycle", func(t *testing.T) {
		svc := new(MockGiftService)
		exec := NewExecutor(svc)

		svc.On("StarsBalance", mock.Anything, mock.Anything).
			Return(int64(0), &RemoteError{Code: "INTERNAL", Message: "boom"}).Once()

		assert.Zero(t, exec.FetchBalance(context.Background()))
	})
}
