package rpc

import (
	"time"

	"dealvault/observability/metrics"
)

func observeRequest(method, outcome string, elapsed time.Duration) {
	metrics.RPC().ObserveRequest(method, outcome, elapsed)
}
