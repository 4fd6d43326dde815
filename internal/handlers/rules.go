package handlers

import (
	"context"
	"net/http"

	"github.com/kmxunan/0C-sub003/internal/logger"
	"github.com/kmxunan/0C-sub003/internal/rules"
)

// Reloader rebuilds the rule snapshot
type Reloader interface {
	Reload(ctx context.Context) (rules.LoadResult, error)
}

// ReloadHandler serves POST /rules/reload. Rules that fail to parse do not
// fail the request; they are listed in the response.
func ReloadHandler(store Reloader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := store.Reload(r.Context())
		if err != nil {
			lg := logger.WithComponent("http")
			lg.Error().Err(err).Msg("rule reload failed")
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}
