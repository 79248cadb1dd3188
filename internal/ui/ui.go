// Package ui serves the admin dashboard: live per-level queue depth,
// the activity feed, EWMA queue-wait, and editors for policies, ingest
// keys, and dashboard users: one Handler, html/template rendering,
// cookie sessions, reading from the batch queue and its own stores.
package ui

import (
	"html/template"
	"net/http"
	"path/filepath"
	"time"

	"github.com/batchsched/inferq/internal/activity"
	"github.com/batchsched/inferq/internal/auth"
	"github.com/batchsched/inferq/internal/batchqueue"
	"github.com/batchsched/inferq/internal/metrics"
	"github.com/batchsched/inferq/internal/policy"
	"github.com/batchsched/inferq/internal/runner"
)

type Handler struct {
	Queue       *batchqueue.PriorityQueue
	Pool        *runner.Pool
	PolicyStore *policy.Store
	Auth        *auth.Authenticator
	Activity    *activity.Log
	Metrics     *metrics.EWMATracker

	templates *template.Template
}

func NewHandler(q *batchqueue.PriorityQueue, pool *runner.Pool, store *policy.Store, auther *auth.Authenticator, activityLog *activity.Log, tracker *metrics.EWMATracker, templateDir string) (*Handler, error) {
	tpl, err := template.ParseFiles(
		filepath.Join(templateDir, "layout.html"),
		filepath.Join(templateDir, "dashboard.html"),
		filepath.Join(templateDir, "policies.html"),
		filepath.Join(templateDir, "keys.html"),
		filepath.Join(templateDir, "users.html"),
		filepath.Join(templateDir, "activity.html"),
		filepath.Join(templateDir, "login.html"),
	)
	if err != nil {
		return nil, err
	}

	return &Handler{
		Queue:       q,
		Pool:        pool,
		PolicyStore: store,
		Auth:        auther,
		Activity:    activityLog,
		Metrics:     tracker,
		templates:   tpl,
	}, nil
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ui/login", h.login)
	mux.HandleFunc("/ui/logout", h.logout)

	mux.HandleFunc("/ui/", h.authMiddleware(h.dashboard))
	mux.HandleFunc("/ui/policies", h.authMiddleware(h.policies))
	mux.HandleFunc("/ui/policies/save", h.authMiddleware(h.savePolicy))
	mux.HandleFunc("/ui/policies/delete", h.authMiddleware(h.deletePolicy))
	mux.HandleFunc("/ui/keys", h.authMiddleware(h.keys))
	mux.HandleFunc("/ui/keys/create", h.authMiddleware(h.createKey))
	mux.HandleFunc("/ui/keys/delete", h.authMiddleware(h.deleteKey))
	mux.HandleFunc("/ui/users", h.authMiddleware(h.users))
	mux.HandleFunc("/ui/users/create", h.authMiddleware(h.createUser))
	mux.HandleFunc("/ui/users/delete", h.authMiddleware(h.deleteUser))
	mux.HandleFunc("/ui/users/password", h.authMiddleware(h.changePassword))
	mux.HandleFunc("/ui/activity", h.authMiddleware(h.activity))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}

type viewModel struct {
	Now      time.Time
	Page     string
	User     string
	Data     any
	LoginErr string
	Levels   []levelRow
}

type levelRow struct {
	Level           uint32
	Size            int
	EWMAQueueWaitMs float64
	Commits         uint64
}

func (h *Handler) newViewModel(page string, r *http.Request) viewModel {
	return viewModel{Now: time.Now(), Page: page, User: h.username(r), Levels: h.levelRows()}
}

func (h *Handler) levelRows() []levelRow {
	if h.Queue == nil {
		return nil
	}
	rows := make([]levelRow, 0, h.Queue.MaxLevel())
	for lvl := uint32(1); lvl <= h.Queue.MaxLevel(); lvl++ {
		row := levelRow{Level: lvl, Size: h.Queue.LevelSize(lvl)}
		if h.Metrics != nil {
			if snap, ok := h.Metrics.Get(lvl); ok {
				row.EWMAQueueWaitMs = snap.EWMAms
				row.Commits = snap.Commits
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ui/" && r.URL.Path != "/ui" {
		http.NotFound(w, r)
		return
	}
	if r.URL.Path == "/ui" {
		http.Redirect(w, r, "/ui/", http.StatusFound)
		return
	}
	vm := h.newViewModel("dashboard", r)
	attached := 0
	if h.Pool != nil {
		attached = h.Pool.AttachedCount()
	}
	vm.Data = struct{ AttachedRunners int }{AttachedRunners: attached}
	h.render(w, "dashboard.html", vm)
}

func (h *Handler) render(w http.ResponseWriter, name string, vm viewModel) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = h.templates.ExecuteTemplate(w, "layout.html", map[string]any{
		"Page": name,
		"VM":   vm,
	})
}
