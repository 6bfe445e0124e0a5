package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/cmdengine/pkg/schema"
)

// templateFuncs are available to every page.
var templateFuncs = template.FuncMap{
	"ago":        ago,
	"stateClass": stateClass,
	"shortID":    shortID,
	"pad":        pad,
}

var agoUnits = []struct {
	size   time.Duration
	suffix string
}{
	{24 * time.Hour, "d"},
	{time.Hour, "h"},
	{time.Minute, "m"},
	{time.Second, "s"},
}

// ago renders the coarsest whole unit elapsed since t, e.g. "3m ago".
func ago(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	for _, u := range agoUnits {
		if d >= u.size {
			return fmt.Sprintf("%d%s ago", d/u.size, u.suffix)
		}
	}
	return "just now"
}

// stateClass is the CSS class of a state badge.
func stateClass(state schema.State) string {
	switch state {
	case schema.StateCompleted:
		return "badge-success"
	case schema.StateFailed:
		return "badge-error"
	case schema.StateExecuting:
		return "badge-active"
	case schema.StateAborted:
		return "badge-warning"
	}
	return "badge-secondary"
}

// shortID keeps the first n runes of a run ID.
func shortID(id string, n int) string {
	if r := []rune(id); len(r) > n {
		return string(r[:n])
	}
	return id
}

func pad(depth int) string { return strings.Repeat("  ", depth) }

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}

// failOp answers with the status matching the OpError code and the error
// itself as body. Other errors are internal.
func failOp(w http.ResponseWriter, err error) {
	var opErr *schema.OpError
	if !errors.As(err, &opErr) {
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, statusFor(opErr.Code), opErr)
}

var codeStatus = map[string]int{
	schema.ErrCodeValidation:        http.StatusBadRequest,
	schema.ErrCodeExpression:        http.StatusBadRequest,
	schema.ErrCodeNotFound:          http.StatusNotFound,
	schema.ErrCodeConflict:          http.StatusConflict,
	schema.ErrCodeInvalidState:      http.StatusConflict,
	schema.ErrCodeActionUnavailable: http.StatusUnprocessableEntity,
}

func statusFor(code string) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// intQuery reads a non-negative integer query parameter, falling back to def.
func intQuery(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return def
	}
	return n
}
