package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"
	"broker-api/internal/services"
)

type StatsHandler struct {
	aggregator services.AggregatorService
}

func NewStatsHandler(aggregator services.AggregatorService) *StatsHandler {
	return &StatsHandler{
		aggregator: aggregator,
	}
}

// GetSum serves windowed totals. fresh=true bypasses the memo.
func (h *StatsHandler) GetSum(w http.ResponseWriter, r *http.Request) {
	q, err := parseStatsQuery(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var stats []models.WindowStats
	if fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh")); fresh {
		stats, err = h.aggregator.SumFresh(r.Context(), q)
	} else {
		stats, err = h.aggregator.Sum(r.Context(), q)
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, stats)
}

func (h *StatsHandler) GetModels(w http.ResponseWriter, r *http.Request) {
	q, err := parseStatsQuery(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	groups, err := h.aggregator.GroupByModel(r.Context(), q)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, groups)
}

func (h *StatsHandler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	q, err := parseStatsQuery(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	groups, err := h.aggregator.GroupByAccount(r.Context(), q)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, groups)
}

// FlushStats drops memoized statistics so the next query reads the store.
func (h *StatsHandler) FlushStats(w http.ResponseWriter, r *http.Request) {
	if err := h.aggregator.Flush(r.Context()); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"flushed": true})
}

// parseStatsQuery reads type, windows, user_id, instance_id and now. now is
// either RFC3339 or unix seconds. Callers without the ADMIN role only see
// their own usage.
func parseStatsQuery(r *http.Request) (services.StatsQuery, error) {
	actor, err := principal(r)
	if err != nil {
		return services.StatsQuery{}, err
	}
	query := r.URL.Query()
	q := services.StatsQuery{
		Type:       models.InstanceType(query.Get("type")),
		UserID:     query.Get("user_id"),
		InstanceID: query.Get("instance_id"),
	}
	for _, w := range strings.Split(query.Get("windows"), ",") {
		if w = strings.TrimSpace(w); w != "" {
			q.Windows = append(q.Windows, w)
		}
	}

	if raw := query.Get("now"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			q.Now = t
		} else if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
			q.Now = time.Unix(secs, 0)
		} else {
			return q, errors.Invalid("now must be RFC3339 or unix seconds")
		}
	}

	if !actor.IsAdmin() {
		switch q.UserID {
		case "":
			q.UserID = actor.UserID
		case actor.UserID:
		default:
			return q, errors.Wrap(errors.ErrForbidden, "statistics of other users require the admin role")
		}
	}
	return q, nil
}
