package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const promMetricName = "selkies_signalling_events_total"

var promLabelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format as a
// single counter family labelled by event name.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Signalling server event counters.\n", promMetricName)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", promMetricName)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", promMetricName, promLabelEscaper.Replace(k), snap[k])
		}
	})
}
