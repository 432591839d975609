// giftsim is a local mock of the gift-service API for exercising the
// upgrader without touching a real account. It serves a synthetic
// saved-gift inventory with cursor pagination, a stars balance, the
// upgrade/payment endpoints, and optional injected rate limits.
//
// Configuration is via environment variables:
//
//	GIFTSIM_ADDR              listen address (default :8080)
//	GIFTSIM_GIFTS             inventory size (default 250)
//	GIFTSIM_BALANCE           starting stars balance (default 5000)
//	GIFTSIM_PREPAID_RATIO     share of gifts with a prepaid token (default 0.2)
//	GIFTSIM_PAGE_MAX          hard page-size cap (default 100)
//	GIFTSIM_RATELIMIT_EVERY   return 429 on every Nth request, 0 = off
//	GIFTSIM_LEGACY_PARAMS     reject keep_original_details / account params
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
)

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

type gift struct {
	MsgID              int64           `json:"msg_id,omitempty"`
	SavedID            int64           `json:"saved_id,omitempty"`
	UpgradeStars       json.RawMessage `json:"upgrade_stars,omitempty"`
	PrepaidUpgradeHash string          `json:"prepaid_upgrade_hash,omitempty"`
	CanUpgrade         bool            `json:"can_upgrade,omitempty"`

	upgraded bool
}

type simulator struct {
	mu       sync.Mutex
	gifts    []*gift
	balance  int64
	forms    map[int64]int64 // form id -> price
	nextForm int64

	pageMax      int
	legacyParams bool

	requests       atomic.Int64
	rateLimitEvery int64
}

// heterogeneous on purpose: exercises the client's amount
// normalization the way real API versions do
func encodeStars(n int64) json.RawMessage {
	switch rand.Intn(3) {
	case 0:
		return json.RawMessage(strconv.FormatInt(n, 10))
	case 1:
		return json.RawMessage(fmt.Sprintf("%q", strconv.FormatInt(n, 10)))
	default:
		return json.RawMessage(fmt.Sprintf(`{"amount":%d}`, n))
	}
}

func newSimulator() *simulator {
	count := getEnvInt("GIFTSIM_GIFTS", 250)
	prepaidRatio := getEnvFloat("GIFTSIM_PREPAID_RATIO", 0.2)

	sim := &simulator{
		balance:        int64(getEnvInt("GIFTSIM_BALANCE", 5000)),
		forms:          make(map[int64]int64),
		pageMax:        getEnvInt("GIFTSIM_PAGE_MAX", 100),
		legacyParams:   getEnv("GIFTSIM_LEGACY_PARAMS", "0") == "1",
		rateLimitEvery: int64(getEnvInt("GIFTSIM_RATELIMIT_EVERY", 0)),
	}

	for i := 0; i < count; i++ {
		g := &gift{}
		if rand.Intn(2) == 0 {
			g.MsgID = int64(1000 + i)
		} else {
			g.SavedID = int64(5000 + i)
		}
		switch rand.Intn(4) {
		case 0:
			g.PrepaidUpgradeHash = xid.New().String()
			g.CanUpgrade = true
		case 1, 2:
			g.UpgradeStars = encodeStars(int64(25 * (1 + rand.Intn(20))))
			g.CanUpgrade = true
		default:
			// plain gift, nothing to upgrade
		}
		if g.PrepaidUpgradeHash == "" && rand.Float64() < prepaidRatio {
			g.PrepaidUpgradeHash = xid.New().String()
		}
		sim.gifts = append(sim.gifts, g)
	}
	return sim
}

func (s *simulator) writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "message": msg})
}

// maybeRateLimit injects a 429 on every Nth request when configured.
func (s *simulator) maybeRateLimit(w http.ResponseWriter) bool {
	n := s.requests.Add(1)
	if s.rateLimitEvery > 0 && n%s.rateLimitEvery == 0 {
		w.Header().Set("Retry-After", "2")
		s.writeError(w, http.StatusTooManyRequests, "FLOOD_WAIT", "slow down")
		return true
	}
	return false
}

func (s *simulator) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.maybeRateLimit(w) {
		return
	}
	if s.legacyParams && r.URL.Query().Get("account") != "" {
		s.writeError(w, http.StatusBadRequest, "PARAM_UNSUPPORTED", "unknown parameter: account")
		return
	}
	s.mu.Lock()
	bal := s.balance
	s.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]json.RawMessage{"balance": encodeStars(bal)})
}

func (s *simulator) handleSavedGifts(w http.ResponseWriter, r *http.Request) {
	if s.maybeRateLimit(w) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > s.pageMax {
		limit = s.pageMax
	}
	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		offset, _ = strconv.Atoi(o)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var page []*gift
	i := offset
	for ; i < len(s.gifts) && len(page) < limit; i++ {
		if s.gifts[i].upgraded {
			continue // exclude_unique behavior
		}
		page = append(page, s.gifts[i])
	}

	next := ""
	if i < len(s.gifts) {
		next = strconv.Itoa(i)
	}
	json.NewEncoder(w).Encode(map[string]any{"gifts": page, "next_offset": next})
}

func (s *simulator) findGift(msgID, savedID int64) *gift {
	for _, g := range s.gifts {
		if (msgID != 0 && g.MsgID == msgID) || (savedID != 0 && g.SavedID == savedID) {
			return g
		}
	}
	return nil
}

type giftRefPayload struct {
	MsgID   int64 `json:"msg_id"`
	SavedID int64 `json:"saved_id"`
}

type upgradePayload struct {
	Gift        giftRefPayload `json:"gift"`
	KeepDetails *bool          `json:"keep_original_details"`
}

func (s *simulator) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.maybeRateLimit(w) {
		return
	}
	var req upgradePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if s.legacyParams && req.KeepDetails != nil {
		s.writeError(w, http.StatusBadRequest, "PARAM_UNSUPPORTED", "unknown parameter: keep_original_details")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.findGift(req.Gift.MsgID, req.Gift.SavedID)
	switch {
	case g == nil:
		s.writeError(w, http.StatusNotFound, "GIFT_NOT_FOUND", "no such gift")
	case g.upgraded:
		s.writeError(w, http.StatusConflict, "GIFT_ALREADY_UNIQUE", "already upgraded")
	case g.PrepaidUpgradeHash == "":
		s.writeError(w, http.StatusBadRequest, "UPGRADE_NOT_PREPAID", "no prepaid upgrade reserved")
	default:
		g.upgraded = true
		w.WriteHeader(http.StatusOK)
	}
}

type formPayload struct {
	Invoice upgradePayload `json:"invoice"`
}

func (s *simulator) handlePaymentForm(w http.ResponseWriter, r *http.Request) {
	if s.maybeRateLimit(w) {
		return
	}
	var req formPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if s.legacyParams && req.Invoice.KeepDetails != nil {
		s.writeError(w, http.StatusBadRequest, "PARAM_UNSUPPORTED", "unknown parameter: keep_original_details")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.findGift(req.Invoice.Gift.MsgID, req.Invoice.Gift.SavedID)
	if g == nil {
		s.writeError(w, http.StatusNotFound, "GIFT_NOT_FOUND", "no such gift")
		return
	}
	var price int64
	if n, err := strconv.ParseInt(strings.Trim(string(g.UpgradeStars), `"`), 10, 64); err == nil {
		price = n
	} else {
		var obj struct {
			Amount int64 `json:"amount"`
		}
		json.Unmarshal(g.UpgradeStars, &obj)
		price = obj.Amount
	}

	s.nextForm++
	s.forms[s.nextForm] = price
	json.NewEncoder(w).Encode(map[string]int64{"form_id": s.nextForm})
}

func (s *simulator) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	if s.maybeRateLimit(w) {
		return
	}
	var req struct {
		FormID  int64          `json:"form_id"`
		Invoice upgradePayload `json:"invoice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.forms[req.FormID]
	if !ok {
		s.writeError(w, http.StatusBadRequest, "FORM_EXPIRED", "unknown form id")
		return
	}
	if s.balance < price {
		s.writeError(w, http.StatusBadRequest, "BALANCE_TOO_LOW", "not enough stars")
		return
	}
	g := s.findGift(req.Invoice.Gift.MsgID, req.Invoice.Gift.SavedID)
	if g == nil {
		s.writeError(w, http.StatusNotFound, "GIFT_NOT_FOUND", "no such gift")
		return
	}

	delete(s.forms, req.FormID)
	s.balance -= price
	g.upgraded = true
	w.WriteHeader(http.StatusOK)
}

func (s *simulator) handleResolve(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	json.NewEncoder(w).Encode(map[string]any{
		"id":     int64(100000 + rand.Intn(100000)),
		"handle": source,
	})
}

func (s *simulator) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	fmt.Printf("── message to %s ──\n%s\n", req.To, req.Text)
	w.WriteHeader(http.StatusOK)
}

func (s *simulator) handleUpdates(w http.ResponseWriter, r *http.Request) {
	wait := getEnvInt("GIFTSIM_UPDATE_WAIT", 25)
	if q := r.URL.Query().Get("wait"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			wait = n
		}
	}
	// long-poll: hold the request, occasionally report activity
	select {
	case <-r.Context().Done():
		return
	case <-time.After(time.Duration(wait) * time.Second):
	}
	var events []map[string]any
	if rand.Intn(4) == 0 {
		events = append(events, map[string]any{"source": map[string]any{"id": 1}})
	}
	json.NewEncoder(w).Encode(map[string]any{"events": events})
}

func main() {
	sim := newSimulator()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/stars/balance", sim.handleBalance)
	mux.HandleFunc("/api/gifts/saved", sim.handleSavedGifts)
	mux.HandleFunc("/api/gifts/upgrade", sim.handleUpgrade)
	mux.HandleFunc("/api/payments/form", sim.handlePaymentForm)
	mux.HandleFunc("/api/payments/submit", sim.handleSubmitPayment)
	mux.HandleFunc("/api/sources/resolve", sim.handleResolve)
	mux.HandleFunc("/api/messages/send", sim.handleSend)
	mux.HandleFunc("/api/updates", sim.handleUpdates)

	addr := getEnv("GIFTSIM_ADDR", ":8080")
	fmt.Printf("giftsim listening on %s with %d gifts, balance %d\n", addr, len(sim.gifts), sim.balance)
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}
