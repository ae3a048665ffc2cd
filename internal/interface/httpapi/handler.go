// Package httpapi は同期の起動と進捗照会の HTTP インターフェースを提供する
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jinford/kb-sync/internal/core/content"
	"github.com/jinford/kb-sync/internal/core/ledger"
	"github.com/jinford/kb-sync/internal/core/progress"
)

// defaultJobsLimit はジョブ履歴の既定の取得件数
const defaultJobsLimit = 20

// ScopeHandler はスコープ単位の同期 API を処理する
type ScopeHandler struct {
	ledger *ledger.Ledger
	store  *content.VersionStore
	logger *slog.Logger
}

// NewScopeHandler は新しい ScopeHandler を作成する
func NewScopeHandler(lg *ledger.Ledger, store *content.VersionStore, logger *slog.Logger) *ScopeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScopeHandler{ledger: lg, store: store, logger: logger}
}

// enqueueRequest は同期起動のリクエストボディ
type enqueueRequest struct {
	WorkspaceID   string `json:"workspaceID" binding:"required"`
	ConnectorType string `json:"connectorType" binding:"required"`
}

// statusResponse はスコープの同期状態ビュー
type statusResponse struct {
	Job      *ledger.Job         `json:"job"`
	Run      *ledger.JobRun      `json:"latestRun,omitempty"`
	Progress progress.Report     `json:"progress"`
	Counts   content.ScopeCounts `json:"counts"`
}

// Enqueue は同期ジョブを登録する
// POST /api/v1/scopes/:scopeID/sync
func (h *ScopeHandler) Enqueue(c *gin.Context) {
	scopeID, ok := parseScopeID(c)
	if !ok {
		return
	}

	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	workspaceID, err := uuid.Parse(req.WorkspaceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workspace id"})
		return
	}

	job, err := h.ledger.Enqueue(c.Request.Context(), workspaceID, scopeID, content.ConnectorType(req.ConnectorType))
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "a sync job is already running for this scope"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// Status はスコープの最新ジョブ・実行・進捗ビュー・集計を返す
// GET /api/v1/scopes/:scopeID/status
func (h *ScopeHandler) Status(c *gin.Context) {
	scopeID, ok := parseScopeID(c)
	if !ok {
		return
	}

	job, run, err := h.ledger.LatestForScope(c.Request.Context(), scopeID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no sync job for this scope"})
			return
		}
		h.logger.Error("failed to get scope status", "scopeID", scopeID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get scope status"})
		return
	}

	counts, err := h.store.CountsForScope(c.Request.Context(), scopeID)
	if err != nil {
		h.logger.Error("failed to count scope content", "scopeID", scopeID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count scope content"})
		return
	}

	c.JSON(http.StatusOK, statusResponse{
		Job:      job,
		Run:      run,
		Progress: progress.Aggregate(job, run),
		Counts:   counts,
	})
}

// Jobs はスコープのジョブ履歴を新しい順で返す
// GET /api/v1/scopes/:scopeID/jobs
func (h *ScopeHandler) Jobs(c *gin.Context) {
	scopeID, ok := parseScopeID(c)
	if !ok {
		return
	}

	limit := defaultJobsLimit
	var query struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err == nil && query.Limit > 0 {
		limit = query.Limit
	}

	jobs, err := h.ledger.JobsForScope(c.Request.Context(), scopeID, limit)
	if err != nil {
		h.logger.Error("failed to list jobs", "scopeID", scopeID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func parseScopeID(c *gin.Context) (uuid.UUID, bool) {
	scopeID, err := uuid.Parse(c.Param("scopeID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scope id"})
		return uuid.Nil, false
	}
	return scopeID, true
}
