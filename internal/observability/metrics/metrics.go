package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type actionKey struct {
	action  string
	outcome string
}

type requestKey struct {
	handler string
	method  string
	code    string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu          sync.Mutex
	actions     map[actionKey]uint64
	ticks       *histogram
	resolutions uint64
	minted      int64
	requests    map[requestKey]uint64
}

var substrate = &collector{
	actions:  make(map[actionKey]uint64),
	ticks:    newHistogram([]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}),
	requests: make(map[requestKey]uint64),
}

// ObserveAction counts a terminal pipeline outcome per action type.
func ObserveAction(action, outcome string) {
	substrate.mu.Lock()
	defer substrate.mu.Unlock()
	substrate.actions[actionKey{action: action, outcome: outcome}]++
}

// ObserveTick records the wall-clock duration of one scheduler tick.
func ObserveTick(duration time.Duration) {
	substrate.mu.Lock()
	defer substrate.mu.Unlock()
	substrate.ticks.observe(duration.Seconds())
}

// ObserveAuctionResolution counts a completed auction round and the
// scrip it minted.
func ObserveAuctionResolution(minted int64) {
	substrate.mu.Lock()
	defer substrate.mu.Unlock()
	substrate.resolutions++
	substrate.minted += minted
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int) {
	substrate.mu.Lock()
	defer substrate.mu.Unlock()
	substrate.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// Values above the last bound land only in the +Inf bucket via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, substrate.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type actionMetric struct {
		actionKey
		value uint64
	}
	type requestMetric struct {
		requestKey
		value uint64
	}

	actions := make([]actionMetric, 0, len(c.actions))
	for key, value := range c.actions {
		actions = append(actions, actionMetric{actionKey: key, value: value})
	}
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].action == actions[j].action {
			return actions[i].outcome < actions[j].outcome
		}
		return actions[i].action < actions[j].action
	})

	requests := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		requests = append(requests, requestMetric{requestKey: key, value: value})
	}
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].handler == requests[j].handler {
			if requests[i].method == requests[j].method {
				return requests[i].code < requests[j].code
			}
			return requests[i].method < requests[j].method
		}
		return requests[i].handler < requests[j].handler
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP agora_actions_total Total number of actions by type and terminal outcome.\n")
	builder.WriteString("# TYPE agora_actions_total counter\n")
	for _, metric := range actions {
		builder.WriteString(fmt.Sprintf("agora_actions_total{action=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.action), escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP agora_tick_duration_seconds Scheduler tick duration in seconds.\n")
	builder.WriteString("# TYPE agora_tick_duration_seconds histogram\n")
	for idx, bound := range c.ticks.buckets {
		builder.WriteString(fmt.Sprintf("agora_tick_duration_seconds_bucket{le=\"%s\"} %d\n",
			formatFloat(bound), c.ticks.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("agora_tick_duration_seconds_bucket{le=\"+Inf\"} %d\n", c.ticks.count))
	builder.WriteString(fmt.Sprintf("agora_tick_duration_seconds_sum %s\n", formatFloat(c.ticks.sum)))
	builder.WriteString(fmt.Sprintf("agora_tick_duration_seconds_count %d\n", c.ticks.count))

	builder.WriteString("# HELP agora_auction_resolutions_total Total number of resolved auction rounds.\n")
	builder.WriteString("# TYPE agora_auction_resolutions_total counter\n")
	builder.WriteString(fmt.Sprintf("agora_auction_resolutions_total %d\n", c.resolutions))
	builder.WriteString("# HELP agora_auction_minted_scrip_total Total scrip minted by auction scoring.\n")
	builder.WriteString("# TYPE agora_auction_minted_scrip_total counter\n")
	builder.WriteString(fmt.Sprintf("agora_auction_minted_scrip_total %d\n", c.minted))

	builder.WriteString("# HELP agora_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE agora_http_requests_total counter\n")
	for _, metric := range requests {
		builder.WriteString(fmt.Sprintf("agora_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
