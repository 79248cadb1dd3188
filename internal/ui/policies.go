package ui

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/batchsched/inferq/internal/batchqueue"
	"github.com/batchsched/inferq/internal/policy"
)

// policyRow pairs a persisted row with the policy actually governing
// that level on the running queue right now, so drift between the two
// (a row saved while the queue was down, a level outside the queue's
// configured range) is visible on the dashboard rather than silent.
type policyRow struct {
	policy.LevelPolicy
	Live       policy.LevelPolicy
	LiveActive bool
}

func (h *Handler) policies(w http.ResponseWriter, r *http.Request) {
	rows, err := h.PolicyStore.ListPolicies(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]policyRow, 0, len(rows))
	for _, p := range rows {
		row := policyRow{LevelPolicy: p}
		if h.Queue != nil {
			if p.PriorityLevel == 0 {
				row.Live = policy.LevelPolicyFromQueuePolicy(0, h.Queue.DefaultPolicy())
				row.LiveActive = true
			} else if pol, ok := h.Queue.LevelPolicy(p.PriorityLevel); ok {
				row.Live = policy.LevelPolicyFromQueuePolicy(p.PriorityLevel, pol)
				row.LiveActive = true
			}
		}
		out = append(out, row)
	}

	vm := h.newViewModel("policies", r)
	vm.Data = struct {
		Policies []policyRow
	}{
		Policies: out,
	}
	h.render(w, "policies.html", vm)
}

func (h *Handler) savePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	level, err := strconv.ParseUint(r.FormValue("priority_level"), 10, 32)
	if err != nil {
		http.Error(w, "priority_level is required", http.StatusBadRequest)
		return
	}

	action := strings.ToLower(strings.TrimSpace(r.FormValue("timeout_action")))
	if action != "delay" {
		action = "reject"
	}

	p := policy.LevelPolicy{
		PriorityLevel:        uint32(level),
		TimeoutAction:        action,
		DefaultTimeoutMicros: parseUint64Default(r.FormValue("default_timeout_micros"), 0),
		AllowTimeoutOverride: r.FormValue("allow_timeout_override") != "",
		MaxQueueSize:         uint32(parseUint64Default(r.FormValue("max_queue_size"), 0)),
	}

	if err := h.PolicyStore.UpsertPolicy(r.Context(), p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Reconfigure the running queue too, so the edit takes effect without
	// a restart. Level 0 is the default row; everything else is a
	// per-level override. A level outside the queue's configured range
	// persists for the next restart but has no live counterpart yet.
	if h.Queue != nil {
		if p.PriorityLevel == 0 {
			h.Queue.SetDefaultPolicy(p.ToQueuePolicy())
		} else {
			_ = h.Queue.SetLevelPolicy(p.PriorityLevel, p.ToQueuePolicy())
		}
	}

	http.Redirect(w, r, "/ui/policies", http.StatusSeeOther)
}

func (h *Handler) deletePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	level, err := strconv.ParseUint(r.FormValue("priority_level"), 10, 32)
	if err != nil {
		http.Error(w, "priority_level is required", http.StatusBadRequest)
		return
	}

	if err := h.PolicyStore.DeletePolicy(r.Context(), uint32(level)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Revert the running queue, mirroring what the next restart would load
	// given no persisted row: level 0 goes back to the built-in default,
	// any other level to the queue's current default policy.
	if h.Queue != nil {
		if level == 0 {
			h.Queue.SetDefaultPolicy(batchqueue.DefaultModelQueuePolicy())
		} else {
			_ = h.Queue.ResetLevelPolicy(uint32(level))
		}
	}

	http.Redirect(w, r, "/ui/policies", http.StatusSeeOther)
}

func parseUint64Default(s string, def uint64) uint64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}
