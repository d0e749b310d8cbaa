package redemption

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	redemptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "giftcode_redemptions_total",
		Help: "Redemption outcomes per item.",
	}, []string{"status"})
	challengeCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "giftcode_challenge_cycles_total",
		Help: "Captcha fetch and solve cycles completed.",
	})
	outerRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "giftcode_outer_retries_total",
		Help: "Outer retries by failure category.",
	}, []string{"category"})
	itemDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "giftcode_item_duration_seconds",
		Help:    "Time spent driving one item to a terminal state.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
	})
)

func init() {
	prometheus.MustRegister(redemptionsTotal, challengeCycles, outerRetries, itemDuration)
}
