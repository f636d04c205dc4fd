package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/voxrelay/internal/observability"
)

// handlePerfLatency serves the rolling upstream latency window. ?op=chat
// narrows the answer to a single operation.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil || s.metrics.Latency == nil {
		respondJSON(w, http.StatusOK, observability.LatencySnapshot{Ops: []observability.LatencyStats{}})
		return
	}
	snap := s.metrics.Latency.Snapshot()
	if op := strings.TrimSpace(r.URL.Query().Get("op")); op != "" {
		kept := make([]observability.LatencyStats, 0, 1)
		for _, st := range snap.Ops {
			if st.Op == op {
				kept = append(kept, st)
			}
		}
		snap.Ops = kept
	}
	respondJSON(w, http.StatusOK, snap)
}
