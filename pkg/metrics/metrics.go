package metrics

import (
	"fmt"
	"sync"
	"time"
)

// Metrics holds bridge runtime counters
type Metrics struct {
	mu sync.RWMutex

	// Call lifecycle
	CallsStarted   int64
	CallsEnded     int64
	ActiveCalls    int64
	UplinkFailures int64

	// Media relay, keyed by direction ("inbound" = carrier->agent,
	// "outbound" = agent->carrier)
	FramesRelayed map[string]int64
	BytesRelayed  map[string]int64
	FramesDropped map[string]int64

	// Lead lookups
	LookupHits     int64
	LookupMisses   int64
	LookupDefaults int64
	LookupLatency  []time.Duration

	StartTime time.Time
}

var globalMetrics = &Metrics{
	FramesRelayed: make(map[string]int64),
	BytesRelayed:  make(map[string]int64),
	FramesDropped: make(map[string]int64),
	StartTime:     time.Now(),
}

// RecordCallStarted increments the call counters for a new stream
func RecordCallStarted() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.CallsStarted++
	globalMetrics.ActiveCalls++
}

// RecordCallEnded decrements the active-call gauge
func RecordCallEnded() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.CallsEnded++
	if globalMetrics.ActiveCalls > 0 {
		globalMetrics.ActiveCalls--
	}
}

// RecordUplinkFailure counts a failed agent handshake
func RecordUplinkFailure() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.UplinkFailures++
}

// RecordFrame records one relayed media frame for a direction
func RecordFrame(direction string, bytes int) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.FramesRelayed[direction]++
	globalMetrics.BytesRelayed[direction] += int64(bytes)
}

// RecordDroppedFrame counts a frame discarded due to a decode/transport error
func RecordDroppedFrame(direction string) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.FramesDropped[direction]++
}

// RecordLookup records a lead lookup outcome
func RecordLookup(hit, fellBack bool, latency time.Duration) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	if hit {
		globalMetrics.LookupHits++
	} else {
		globalMetrics.LookupMisses++
	}
	if fellBack {
		globalMetrics.LookupDefaults++
	}
	// Keep only the last 100 latency measurements
	if len(globalMetrics.LookupLatency) >= 100 {
		globalMetrics.LookupLatency = globalMetrics.LookupLatency[1:]
	}
	globalMetrics.LookupLatency = append(globalMetrics.LookupLatency, latency)
}

// GetMetrics returns current metrics
func GetMetrics() map[string]interface{} {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()

	var lookupAvg float64
	if len(globalMetrics.LookupLatency) > 0 {
		var sum time.Duration
		for _, l := range globalMetrics.LookupLatency {
			sum += l
		}
		lookupAvg = sum.Seconds() / float64(len(globalMetrics.LookupLatency))
	}

	frames := make(map[string]int64, len(globalMetrics.FramesRelayed))
	for k, v := range globalMetrics.FramesRelayed {
		frames[k] = v
	}
	bytesRelayed := make(map[string]int64, len(globalMetrics.BytesRelayed))
	for k, v := range globalMetrics.BytesRelayed {
		bytesRelayed[k] = v
	}
	dropped := make(map[string]int64, len(globalMetrics.FramesDropped))
	for k, v := range globalMetrics.FramesDropped {
		dropped[k] = v
	}

	return map[string]interface{}{
		"uptime_seconds": time.Since(globalMetrics.StartTime).Seconds(),
		"calls": map[string]interface{}{
			"started":         globalMetrics.CallsStarted,
			"ended":           globalMetrics.CallsEnded,
			"active":          globalMetrics.ActiveCalls,
			"uplink_failures": globalMetrics.UplinkFailures,
		},
		"media": map[string]interface{}{
			"frames":  frames,
			"bytes":   bytesRelayed,
			"dropped": dropped,
		},
		"lookups": map[string]interface{}{
			"hits":            globalMetrics.LookupHits,
			"misses":          globalMetrics.LookupMisses,
			"defaults":        globalMetrics.LookupDefaults,
			"latency_avg_sec": lookupAvg,
		},
	}
}

// GetPrometheusMetrics returns metrics in Prometheus text format
func GetPrometheusMetrics() string {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()

	var output string

	output += "# HELP bridge_uptime_seconds Bridge uptime in seconds\n"
	output += "# TYPE bridge_uptime_seconds gauge\n"
	output += fmt.Sprintf("bridge_uptime_seconds %.2f\n", time.Since(globalMetrics.StartTime).Seconds())

	output += "# HELP bridge_calls_total Calls handled since start\n"
	output += "# TYPE bridge_calls_total counter\n"
	output += fmt.Sprintf("bridge_calls_total{state=\"started\"} %d\n", globalMetrics.CallsStarted)
	output += fmt.Sprintf("bridge_calls_total{state=\"ended\"} %d\n", globalMetrics.CallsEnded)

	output += "# HELP bridge_calls_active Currently bridged calls\n"
	output += "# TYPE bridge_calls_active gauge\n"
	output += fmt.Sprintf("bridge_calls_active %d\n", globalMetrics.ActiveCalls)

	output += "# HELP bridge_uplink_failures_total Failed agent handshakes\n"
	output += "# TYPE bridge_uplink_failures_total counter\n"
	output += fmt.Sprintf("bridge_uplink_failures_total %d\n", globalMetrics.UplinkFailures)

	output += "# HELP bridge_frames_total Media frames relayed per direction\n"
	output += "# TYPE bridge_frames_total counter\n"
	for direction, count := range globalMetrics.FramesRelayed {
		output += fmt.Sprintf("bridge_frames_total{direction=\"%s\"} %d\n", direction, count)
	}

	output += "# HELP bridge_frames_dropped_total Media frames dropped per direction\n"
	output += "# TYPE bridge_frames_dropped_total counter\n"
	for direction, count := range globalMetrics.FramesDropped {
		output += fmt.Sprintf("bridge_frames_dropped_total{direction=\"%s\"} %d\n", direction, count)
	}

	return output
}
