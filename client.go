package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// SourceRef is a resolved scan target: the account itself, a numeric
// channel id, or a resolved handle.
type SourceRef struct {
	Self   bool   `json:"self,omitempty"`
	ID     int64  `json:"id,omitempty"`
	Handle string `json:"handle,omitempty"`
}

func (r SourceRef) String() string {
	switch {
	case r.Self:
		return "me"
	case r.Handle != "":
		return r.Handle
	default:
		return strconv.FormatInt(r.ID, 10)
	}
}

type SavedGiftsRequest struct {
	Source        SourceRef
	Offset        string
	Limit         int
	ExcludeUnique bool
}

type SavedGiftsPage struct {
	Gifts      []*SavedGift `json:"gifts"`
	NextOffset string       `json:"next_offset,omitempty"`
}

// UpgradeRequest carries the upgrade handle. KeepDetails is a pointer
// so the retry path can omit the parameter entirely rather than send
// an explicit false.
type UpgradeRequest struct {
	Gift        GiftRef `json:"gift"`
	KeepDetails *bool   `json:"keep_original_details,omitempty"`
}

// UpgradeInvoice references a gift for a paid upgrade. Same KeepDetails
// omission semantics as UpgradeRequest.
type UpgradeInvoice struct {
	Gift        GiftRef `json:"gift"`
	KeepDetails *bool   `json:"keep_original_details,omitempty"`
}

type PaymentForm struct {
	FormID int64 `json:"form_id"`
}

// ActivityEvent signals new activity on a watched source.
type ActivityEvent struct {
	Source SourceRef `json:"source"`
}

// GiftService is the remote gift API surface the engine depends on.
type GiftService interface {
	ResolveSource(ctx context.Context, source string) (SourceRef, error)

	// StarsBalance queries the currency balance. Older service versions
	// reject an explicit account parameter; pass nil to omit it.
	StarsBalance(ctx context.Context, account *SourceRef) (int64, error)

	SavedGifts(ctx context.Context, req SavedGiftsRequest) (*SavedGiftsPage, error)
	UpgradeGift(ctx context.Context, req UpgradeRequest) error
	PaymentForm(ctx context.Context, invoice UpgradeInvoice) (*PaymentForm, error)
	SubmitPaymentForm(ctx context.Context, formID int64, invoice UpgradeInvoice) error

	SendMessage(ctx context.Context, to, text string) error

	// WatchActivity streams activity events for the given sources until
	// ctx is cancelled. The channel is closed on exit.
	WatchActivity(ctx context.Context, sources []SourceRef) (<-chan ActivityEvent, error)
}

// ───────── Error taxonomy ─────────

// RateLimitError instructs the caller to pause before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

const codeParamUnsupported = "PARAM_UNSUPPORTED"

// RemoteError is a business-level rejection from the gift service.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote rejected: %s (%s)", e.Message, e.Code)
}

// IsParamUnsupported reports whether err is the service rejecting a
// parameter it does not recognize — the signal for the reduced-call
// fallback.
func IsParamUnsupported(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == codeParamUnsupported
}

// ───────── HTTP JSON client ─────────

// HTTPGiftService talks to a gift-service gateway exposing a JSON API.
type HTTPGiftService struct {
	baseURL string
	token   string
	client  *http.Client
}

type HTTPGiftServiceOptions struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func NewHTTPGiftService(opts HTTPGiftServiceOptions) (*HTTPGiftService, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	to := opts.Timeout
	if to <= 0 {
		to = 30 * time.Second
	}
	return &HTTPGiftService{
		baseURL: strings.TrimRight(base, "/"),
		token:   opts.Token,
		client:  &http.Client{Timeout: to},
	}, nil
}

func (s *HTTPGiftService) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := s.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: retryAfterOf(resp, data)}
	}
	if resp.StatusCode >= 400 {
		return remoteErrorOf(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func retryAfterOf(resp *http.Response, body []byte) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.RetryAfter > 0 {
		return time.Duration(payload.RetryAfter * float64(time.Second))
	}
	return time.Minute
}

func remoteErrorOf(status int, body []byte) error {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Code != "" {
		return &RemoteError{Code: payload.Code, Message: payload.Message}
	}
	return &RemoteError{
		Code:    strconv.Itoa(status),
		Message: strings.TrimSpace(string(body)),
	}
}

func (s *HTTPGiftService) ResolveSource(ctx context.Context, source string) (SourceRef, error) {
	src := strings.TrimSpace(source)
	if strings.EqualFold(src, "me") {
		return SourceRef{Self: true}, nil
	}
	if id, err := strconv.ParseInt(src, 10, 64); err == nil {
		return SourceRef{ID: id}, nil
	}

	var ref SourceRef
	q := url.Values{"source": {src}}
	if err := s.do(ctx, http.MethodGet, "/api/sources/resolve", q, nil, &ref); err != nil {
		return SourceRef{}, err
	}
	return ref, nil
}

func (s *HTTPGiftService) StarsBalance(ctx context.Context, account *SourceRef) (int64, error) {
	q := url.Values{}
	if account != nil {
		q.Set("account", account.String())
	}
	var payload struct {
		Balance json.RawMessage `json:"balance"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/stars/balance", q, nil, &payload); err != nil {
		return 0, err
	}
	bal := ParseStarCount(payload.Balance)
	if bal == 0 && len(payload.Balance) > 0 && string(payload.Balance) != "0" && string(payload.Balance) != "null" {
		log.Info().RawJSON("raw", payload.Balance).Msg("Balance payload parsed to 0")
	}
	return bal, nil
}

func (s *HTTPGiftService) SavedGifts(ctx context.Context, req SavedGiftsRequest) (*SavedGiftsPage, error) {
	q := url.Values{
		"source": {req.Source.String()},
		"limit":  {strconv.Itoa(req.Limit)},
	}
	if req.Offset != "" {
		q.Set("offset", req.Offset)
	}
	if req.ExcludeUnique {
		q.Set("exclude_unique", "1")
	}
	var page SavedGiftsPage
	if err := s.do(ctx, http.MethodGet, "/api/gifts/saved", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (s *HTTPGiftService) UpgradeGift(ctx context.Context, req UpgradeRequest) error {
	return s.do(ctx, http.MethodPost, "/api/gifts/upgrade", nil, req, nil)
}

func (s *HTTPGiftService) PaymentForm(ctx context.Context, invoice UpgradeInvoice) (*PaymentForm, error) {
	body := struct {
		Invoice UpgradeInvoice `json:"invoice"`
	}{invoice}
	var form PaymentForm
	if err := s.do(ctx, http.MethodPost, "/api/payments/form", nil, body, &form); err != nil {
		return nil, err
	}
	return &form, nil
}

func (s *HTTPGiftService) SubmitPaymentForm(ctx context.Context, formID int64, invoice UpgradeInvoice) error {
	body := struct {
		FormID  int64          `json:"form_id"`
		Invoice UpgradeInvoice `json:"invoice"`
	}{formID, invoice}
	return s.do(ctx, http.MethodPost, "/api/payments/submit", nil, body, nil)
}

func (s *HTTPGiftService) SendMessage(ctx context.Context, to, text string) error {
	body := struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}{to, text}
	return s.do(ctx, http.MethodPost, "/api/messages/send", nil, body, nil)
}

// WatchActivity long-polls the updates endpoint and fans events into a
// channel. Poll errors back off briefly and keep the watcher alive.
func (s *HTTPGiftService) WatchActivity(ctx context.Context, sources []SourceRef) (<-chan ActivityEvent, error) {
	names := make([]string, 0, len(sources))
	for _, src := range sources {
		names = append(names, src.String())
	}

	events := make(chan ActivityEvent, 1)
	go func() {
		defer close(events)
		for ctx.Err() == nil {
			q := url.Values{
				"sources": {strings.Join(names, ",")},
				"wait":    {"25"},
			}
			var payload struct {
				Events []ActivityEvent `json:"events"`
			}
			if err := s.do(ctx, http.MethodGet, "/api/updates", q, nil, &payload); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("Activity poll failed")
				if err := sleepCtx(ctx, 5*time.Second); err != nil {
					return
				}
				continue
			}
			for _, ev := range payload.Events {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				default:
					// scheduler is busy, dropping is fine
				}
			}
		}
	}()
	return events, nil
}
