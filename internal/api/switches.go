package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-relay/internal/bridges/relay"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// maxKeyLen bounds the {key} URL parameter.
	maxKeyLen = 256

	serviceUnavailableKey = "service_unavailable"
)

// switchView is one channel with its last published state. State is nil
// until the bridge has published one.
type switchView struct {
	Key         string `json:"key"`
	Module      string `json:"module"`
	Channel     string `json:"channel"`
	Name        string `json:"name,omitempty"`
	TriggerPath string `json:"trigger_path"`
	StatePath   string `json:"state_path"`
	State       *int   `json:"state"`
}

func newSwitchView(ch *relay.Channel, states map[string]int) switchView {
	v := switchView{
		Key:         ch.Key,
		Module:      ch.ModuleID,
		Channel:     ch.ID,
		Name:        ch.Name,
		TriggerPath: ch.TriggerPath,
		StatePath:   ch.StatePath(),
	}
	if state, ok := states[ch.Key]; ok {
		v.State = &state
	}
	return v
}

// handleListSwitches returns every channel in configuration order.
func (s *Server) handleListSwitches(w http.ResponseWriter, _ *http.Request) {
	states := s.bridge.SwitchStates()

	switches := make([]switchView, 0, s.bridge.Registry().ChannelCount())
	for _, m := range s.bridge.Registry().Modules() {
		for _, ch := range m.Channels {
			switches = append(switches, newSwitchView(ch, states))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"switches": switches,
		"count":    len(switches),
	})
}

// handleGetSwitch returns one channel by key.
func (s *Server) handleGetSwitch(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookupSwitch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newSwitchView(ch, s.bridge.SwitchStates()))
}

// handleGetSwitchHistory returns journal entries for a switch, newest first.
func (s *Server) handleGetSwitchHistory(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookupSwitch(w, r)
	if !ok {
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	since, err := parseSinceParam(r.URL.Query().Get("since"))
	if err != nil {
		writeBadRequest(w, "invalid since timestamp")
		return
	}

	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, serviceUnavailableKey, "switch journal unavailable")
		return
	}

	entries, err := s.history.List(r.Context(), ch.Key, limit)
	if err != nil {
		s.logger.Error("failed to load switch history", "key", ch.Key, "error", err)
		writeInternalError(w, "failed to load switch history")
		return
	}

	if !since.IsZero() {
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.CreatedAt.After(since) {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"key":     ch.Key,
		"history": entries,
		"count":   len(entries),
	})
}

// lookupSwitch resolves the {key} parameter, writing 400 or 404 on failure.
func (s *Server) lookupSwitch(w http.ResponseWriter, r *http.Request) (*relay.Channel, bool) {
	key := chi.URLParam(r, "key")
	if key == "" || len(key) > maxKeyLen {
		writeBadRequest(w, "invalid switch key")
		return nil, false
	}

	ch, ok := s.bridge.Registry().Channel(key)
	if !ok {
		writeNotFound(w, "switch not found")
		return nil, false
	}
	return ch, true
}

// parseHistoryLimit parses the limit query parameter with bounds enforcement.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > maxHistoryLimit {
		return 0, fmt.Errorf("limit exceeds maximum")
	}
	return limit, nil
}

// parseSinceParam parses the since parameter as RFC3339 or RFC3339Nano.
func parseSinceParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}

	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}
