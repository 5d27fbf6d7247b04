package httpserver

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/asap-project/asap-go/metering"
)

// registerUsageRoutes mounts the usage REST surface (§4.14/§6). Only
// called when the server was built with a non-nil metering.Store.
func (s *Server) registerUsageRoutes() {
	s.mux.HandleFunc("/usage", s.rateLimited(s.handleUsage))
	s.mux.HandleFunc("/usage/aggregate", s.rateLimited(s.handleUsageAggregate))
	s.mux.HandleFunc("/usage/summary", s.rateLimited(s.handleUsageSummary))
	s.mux.HandleFunc("/usage/agents", s.rateLimited(s.handleUsageAgents))
	s.mux.HandleFunc("/usage/consumers", s.rateLimited(s.handleUsageConsumers))
	s.mux.HandleFunc("/usage/stats", s.rateLimited(s.handleUsageStats))
	s.mux.HandleFunc("/usage/batch", s.rateLimited(s.handleUsageBatch))
	s.mux.HandleFunc("/usage/validate", s.rateLimited(s.handleUsageValidate))
	s.mux.HandleFunc("/usage/export", s.rateLimited(s.handleUsageExport))
	s.mux.HandleFunc("/usage/purge", s.rateLimited(s.handleUsagePurge))
}

func parseUsageFilter(r *http.Request) metering.Filter {
	q := r.URL.Query()
	f := metering.Filter{
		AgentID:    q.Get("agent_id"),
		ConsumerID: q.Get("consumer_id"),
		TaskID:     q.Get("task_id"),
	}
	if start := q.Get("start"); start != "" {
		if t, err := time.Parse(time.RFC3339, start); err == nil {
			f.Since = t
		}
	}
	if end := q.Get("end"); end != "" {
		if t, err := time.Parse(time.RFC3339, end); err == nil {
			f.Until = t
		}
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		f.Offset = offset
	}
	return f
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		events, err := s.store.Query(r.Context(), parseUsageFilter(r))
		if err != nil {
			s.writeUsageError(w, err)
			return
		}
		writeJSON(w, events)
	case http.MethodPost:
		var ev metering.UsageEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, "malformed usage event", http.StatusBadRequest)
			return
		}
		if err := validateUsageEvent(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.store.Record(r.Context(), &ev); err != nil {
			s.writeUsageError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, &ev)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// validateUsageEvent applies the self-report checks behind POST /usage,
// POST /usage/batch, and POST /usage/validate: an event must name an
// agent and a task.
func validateUsageEvent(ev *metering.UsageEvent) error {
	if ev.AgentID == "" {
		return errMissingField("agent_id")
	}
	if ev.TaskID == "" {
		return errMissingField("task_id")
	}
	return nil
}

type fieldError string

func (e fieldError) Error() string { return "usage event missing required field: " + string(e) }

func errMissingField(field string) error { return fieldError(field) }

func (s *Server) handleUsageBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Events []metering.UsageEvent `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Events) == 0 {
		http.Error(w, "events array is required and must be non-empty", http.StatusBadRequest)
		return
	}
	for i := range body.Events {
		if err := validateUsageEvent(&body.Events[i]); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	taskIDs := make([]string, 0, len(body.Events))
	for i := range body.Events {
		if err := s.store.Record(r.Context(), &body.Events[i]); err != nil {
			s.writeUsageError(w, err)
			return
		}
		taskIDs = append(taskIDs, body.Events[i].TaskID)
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{"count": len(taskIDs), "task_ids": taskIDs})
}

func (s *Server) handleUsageValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ev metering.UsageEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, map[string]any{"valid": false, "error": "malformed usage event"})
		return
	}
	if err := validateUsageEvent(&ev); err != nil {
		writeJSON(w, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, map[string]any{"valid": true, "task_id": ev.TaskID, "agent_id": ev.AgentID})
}

func (s *Server) handleUsageAggregate(w http.ResponseWriter, r *http.Request) {
	groupBy := metering.GroupBy(r.URL.Query().Get("group_by"))
	if groupBy == "" {
		groupBy = metering.GroupByAgent
	}
	totals, err := s.store.Aggregate(r.Context(), groupBy, parseUsageFilter(r))
	if err != nil {
		if err == metering.ErrUnknownGroupBy {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.writeUsageError(w, err)
		return
	}
	writeJSON(w, totals)
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Summary(r.Context(), parseUsageFilter(r))
	if err != nil {
		s.writeUsageError(w, err)
		return
	}
	writeJSON(w, summary)
}

// distinctListing is shared by /usage/agents and /usage/consumers: a
// by-group listing with totals, keyed on AgentID/ConsumerID respectively.
func (s *Server) distinctListing(w http.ResponseWriter, r *http.Request, groupBy metering.GroupBy) {
	totals, err := s.store.Aggregate(r.Context(), groupBy, parseUsageFilter(r))
	if err != nil {
		s.writeUsageError(w, err)
		return
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Group < totals[j].Group })
	writeJSON(w, totals)
}

func (s *Server) handleUsageAgents(w http.ResponseWriter, r *http.Request) {
	s.distinctListing(w, r, metering.GroupByAgent)
}

func (s *Server) handleUsageConsumers(w http.ResponseWriter, r *http.Request) {
	s.distinctListing(w, r, metering.GroupByConsumer)
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeUsageError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleUsageExport(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.Query(r.Context(), parseUsageFilter(r))
	if err != nil {
		s.writeUsageError(w, err)
		return
	}

	if r.URL.Query().Get("export_format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="usage.csv"`)
		cw := csv.NewWriter(w)
		cw.Write([]string{"task_id", "agent_id", "consumer_id", "tokens_in", "tokens_out", "api_calls", "duration_ms", "timestamp"})
		for _, ev := range events {
			cw.Write([]string{
				ev.TaskID,
				ev.AgentID,
				ev.ConsumerID,
				strconv.FormatInt(ev.TokensIn, 10),
				strconv.FormatInt(ev.TokensOut, 10),
				strconv.FormatInt(ev.APICalls, 10),
				strconv.FormatInt(ev.DurationMS, 10),
				ev.RecordedAt.Format(time.RFC3339Nano),
			})
		}
		cw.Flush()
		return
	}

	writeJSON(w, events)
}

func (s *Server) handleUsagePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	removed, err := s.store.PurgeExpired(r.Context())
	if err != nil {
		s.writeUsageError(w, err)
		return
	}
	writeJSON(w, map[string]any{"status": "purged", "removed": removed})
}

func (s *Server) writeUsageError(w http.ResponseWriter, err error) {
	msg := err.Error()
	if !s.cfg.DebugMode {
		msg = "usage store error"
	}
	http.Error(w, msg, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
