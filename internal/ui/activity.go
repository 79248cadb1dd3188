package ui

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
)

type activityRow struct {
	At            time.Time
	Ago           string
	Kind          string
	PriorityLevel uint32
	BatchSize     int
	Note          string
}

func (h *Handler) activity(w http.ResponseWriter, r *http.Request) {
	var rows []activityRow
	if h.Activity != nil {
		ev := h.Activity.List()
		rows = make([]activityRow, 0, len(ev))
		for _, e := range ev {
			rows = append(rows, activityRow{
				At:            e.At,
				Ago:           humanize.Time(e.At),
				Kind:          string(e.Kind),
				PriorityLevel: e.PriorityLevel,
				BatchSize:     e.BatchSize,
				Note:          e.Note,
			})
		}
	}

	vm := h.newViewModel("activity", r)
	vm.Data = struct{ Rows []activityRow }{Rows: rows}
	h.render(w, "activity.html", vm)
}
