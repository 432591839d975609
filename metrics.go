package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gift_upgrader_cycles_total",
		Help: "Scan cycles",
	})
	metGiftsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gift_upgrader_scanned_total",
		Help: "Saved gifts scanned",
	})
	metGiftsUpgradable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gift_upgrader_upgradable_total",
		Help: "Gifts upgradable",
	})
	metUpgradeAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gift_upgrader_upgrade_attempts_total",
		Help: "Upgrade attempts",
	})
	metUpgradeSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gift_upgrader_upgrade_success_total",
		Help: "Upgrades ok",
	})
	metErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gift_upgrader_errors_total",
		Help: "Errors",
	})
	metRateLimitSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gift_upgrader_ratelimit_seconds_total",
		Help: "Server-requested wait seconds",
	})
	gaugeBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gift_upgrader_stars_balance",
		Help: "Stars balance (XTR)",
	})
	gaugeLastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gift_upgrader_last_run_timestamp",
		Help: "Last scan UNIX ts",
	})
)
