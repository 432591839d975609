package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// GiftRef addresses a saved gift for mutating calls. Exactly one of
// MsgID (personal save) or SavedID (channel slot) is set.
type GiftRef struct {
	MsgID   int64 `json:"msg_id,omitempty"`
	SavedID int64 `json:"saved_id,omitempty"`
}

// SavedGift is one item from the remote saved-gift collection. Amount
// fields keep their raw JSON because the service returns them as plain
// integers, decimal strings, or structured star-amount objects
// depending on API version.
type SavedGift struct {
	MsgID              int64           `json:"msg_id,omitempty"`
	SavedID            int64           `json:"saved_id,omitempty"`
	UpgradeStars       json.RawMessage `json:"upgrade_stars,omitempty"`
	PrepaidUpgradeHash string          `json:"prepaid_upgrade_hash,omitempty"`
	CanUpgrade         bool            `json:"can_upgrade,omitempty"`
	Gift               *GiftDetails    `json:"gift,omitempty"`
}

// GiftDetails is the inner gift descriptor; newer API versions move
// the upgrade cost here.
type GiftDetails struct {
	Title        string          `json:"title,omitempty"`
	UpgradeStars json.RawMessage `json:"upgrade_stars,omitempty"`
}

var (
	errNoGiftKey        = errors.New("saved gift has neither msg_id nor saved_id")
	errAmbiguousGiftKey = errors.New("saved gift has both msg_id and saved_id")
)

// Ref returns the stable dedup key and the addressing reference for a
// saved gift. An item carrying neither or both addressing schemes is
// unprocessable.
func (g *SavedGift) Ref() (string, GiftRef, error) {
	switch {
	case g.SavedID != 0 && g.MsgID != 0:
		return "", GiftRef{}, errAmbiguousGiftKey
	case g.SavedID != 0:
		return fmt.Sprintf("chat_saved:%d", g.SavedID), GiftRef{SavedID: g.SavedID}, nil
	case g.MsgID != 0:
		return fmt.Sprintf("user_msg:%d", g.MsgID), GiftRef{MsgID: g.MsgID}, nil
	default:
		return "", GiftRef{}, errNoGiftKey
	}
}

// UpgradeCost returns the star cost of upgrading this gift. The inner
// descriptor wins when it carries its own amount.
func (g *SavedGift) UpgradeCost() int64 {
	need := ParseStarCount(g.UpgradeStars)
	if g.Gift != nil && len(g.Gift.UpgradeStars) > 0 {
		if n, ok := starCountOf(rawToAny(g.Gift.UpgradeStars)); ok {
			need = n
		}
	}
	return need
}

// Prepaid reports whether the remote service already reserved an
// upgrade for this gift.
func (g *SavedGift) Prepaid() bool {
	return g.PrepaidUpgradeHash != ""
}

func rawToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// ParseStarCount normalizes a raw star amount into an integer. Accepted
// shapes, in order: JSON number, decimal string, object with an
// "amount", "value" or "units" field. Anything else parses to zero.
func ParseStarCount(raw json.RawMessage) int64 {
	n, _ := starCountOf(rawToAny(raw))
	return n
}

func starCountOf(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		return int64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return int64(f), true
	case map[string]any:
		for _, field := range []string{"amount", "value", "units"} {
			inner, present := x[field]
			if !present {
				continue
			}
			if n, ok := starCountOf(inner); ok {
				return n, true
			}
		}
		return 0, false
	default:
		return 0, false
	}
}

// CycleStats aggregates one scan cycle for the summary report.
type CycleStats struct {
	Found    int
	Upgraded int
	Spent    int64
}
