package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zenamanage/writepath/internal/api/middleware"
	"github.com/zenamanage/writepath/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// taskRecord is the minimal business row the pipeline routes mutate. The full
// task model belongs to the CRUD service; only enough lives here to give the
// transaction something real to commit alongside the outbox row.
type taskRecord struct {
	ID        int64  `gorm:"primaryKey"`
	TenantID  string `gorm:"type:varchar(64);not null;index"`
	Title     string `gorm:"type:varchar(255);not null"`
	ProjectID string `gorm:"type:varchar(64)"`
	CreatedBy string `gorm:"type:varchar(64)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (taskRecord) TableName() string {
	return "tasks"
}

type createTaskRequest struct {
	Title     string `json:"title" binding:"required"`
	ProjectID string `json:"project_id"`
}

// CreateTask runs the guarded business transaction: insert the task and
// append its domain event in the same transaction, so the event row exists
// iff the task does.
func (r *Router) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	id := auth.IdentityFromContext(c)
	correlationID := c.GetString(middleware.ContextRequestID)

	var task taskRecord
	err := r.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		task = taskRecord{
			TenantID:  id.TenantID,
			Title:     req.Title,
			ProjectID: req.ProjectID,
			CreatedBy: id.UserID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&task).Error; err != nil {
			return err
		}

		_, err := r.ledger.Append(tx, id.TenantID, "TaskCreated", "task.created", gin.H{
			"task_id":    task.ID,
			"tenant_id":  id.TenantID,
			"title":      task.Title,
			"project_id": task.ProjectID,
			"created_by": id.UserID,
		}, correlationID)
		return err
	})
	if err != nil {
		r.logger.Error("task_create_failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "task creation failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         task.ID,
		"title":      task.Title,
		"project_id": task.ProjectID,
	})
}
