package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gunshikin/kanri/internal/expense"
	"github.com/gunshikin/kanri/internal/todo"
)

// handleFridgeStatus classifies every item by shelf life.
// ?status=expiring limits the items to one status; stats always cover the
// whole inventory.
func (s *Server) handleFridgeStatus(w http.ResponseWriter, r *http.Request) {
	classifier := s.cfg.Classifier()
	now := s.now()
	items := s.cfg.Fridge.Entities()

	annotated := classifier.Annotate(items, now)
	if want := r.URL.Query().Get("status"); want != "" && want != "all" {
		filtered := annotated[:0:0]
		for _, a := range annotated {
			if string(a.Expiry.Status) == want {
				filtered = append(filtered, a)
			}
		}
		annotated = filtered
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": annotated,
		"stats": classifier.ComputeStats(items, now),
		"as_of": now.Format(time.RFC3339),
	})
}

// handleExpenseReport aggregates one month, ?month=YYYY-MM (default: the
// current month).
func (s *Server) handleExpenseReport(w http.ResponseWriter, r *http.Request) {
	month := r.URL.Query().Get("month")
	if month == "" {
		month = s.now().Format("2006-01")
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		writeErr(w, fmt.Errorf("%w: month %q is not YYYY-MM", errBadRequest, month))
		return
	}
	writeJSON(w, http.StatusOK, expense.MonthlyReport(s.cfg.Expenses.Entities(), month))
}

func (s *Server) handleTodoStats(w http.ResponseWriter, r *http.Request) {
	todos := todoFilter(r)
	var selected []todo.Todo
	for _, t := range s.cfg.Todos.Entities() {
		if todos(t) {
			selected = append(selected, t)
		}
	}
	writeJSON(w, http.StatusOK, todo.ComputeStats(selected, s.now()))
}
