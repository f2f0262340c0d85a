package handlers

import (
	"net/http"
	"strconv"

	"broker-api/internal/models"
	"broker-api/internal/repository"
	"broker-api/internal/services"
)

const (
	defaultAuditPageSize = 20
	maxAuditPageSize     = 200
)

type AuditLogHandler struct {
	auditLogService services.AuditLogService
}

func NewAuditLogHandler(auditLogService services.AuditLogService) *AuditLogHandler {
	return &AuditLogHandler{
		auditLogService: auditLogService,
	}
}

type auditPage struct {
	Logs     []models.AuditLog `json:"logs"`
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// ListAuditLogs pages through provisioning history. actor_id, entity_type
// and entity_id narrow it, e.g. to the grants of one instance.
func (h *AuditLogHandler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := repository.AuditQuery{
		ActorID:    query.Get("actor_id"),
		EntityType: query.Get("entity_type"),
		EntityID:   query.Get("entity_id"),
	}
	q.Page, _ = strconv.Atoi(query.Get("page"))
	q.PageSize, _ = strconv.Atoi(query.Get("page_size"))
	if q.Page < 1 {
		q.Page = 1
	}
	switch {
	case q.PageSize < 1:
		q.PageSize = defaultAuditPageSize
	case q.PageSize > maxAuditPageSize:
		q.PageSize = maxAuditPageSize
	}

	logs, total, err := h.auditLogService.GetAuditLogs(r.Context(), q)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if logs == nil {
		logs = []models.AuditLog{}
	}

	respondWithJSON(w, http.StatusOK, auditPage{Logs: logs, Total: total, Page: q.Page, PageSize: q.PageSize})
}
