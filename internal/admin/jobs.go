package admin

import (
	"net/http"
	"strconv"

	"github.com/chronopool/scheduler/internal/model"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// CreateJobRequest mirrors the original source's CreateJobRequest
// (original_source/dispatcher/model/dispatcher.py).
type CreateJobRequest struct {
	Name           string         `json:"name" binding:"required"`
	CronExpression string         `json:"cron_expression" binding:"required"`
	HandlerName    string         `json:"handler_name" binding:"required"`
	HandlerParams  model.JSONMap  `json:"handler_params"`
	IsEnabled      *bool          `json:"is_enabled"`
	AllowOverlap   *bool          `json:"allow_overlap"`
	MaxRetry       int            `json:"max_retry"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// UpdateJobRequest applies only the fields present; nil pointers and a
// nil handler_params leave the stored value unchanged, while a present
// zero value (e.g. "max_retry": 0) is applied.
type UpdateJobRequest struct {
	Name           *string        `json:"name"`
	CronExpression *string        `json:"cron_expression"`
	HandlerName    *string        `json:"handler_name"`
	HandlerParams  model.JSONMap  `json:"handler_params"`
	IsEnabled      *bool          `json:"is_enabled"`
	AllowOverlap   *bool          `json:"allow_overlap"`
	MaxRetry       *int           `json:"max_retry"`
	TimeoutSeconds *int           `json:"timeout_seconds"`
}

func (s *Server) conn(c *gin.Context) (*gorm.DB, func(), bool) {
	pool, err := s.registry.Get(s.cfg.Database)
	if err != nil {
		c.Error(err)
		c.Status(http.StatusInternalServerError)
		return nil, nil, false
	}
	conn, release, err := pool.Acquire(c.Request.Context())
	if err != nil {
		c.Error(err)
		c.Status(http.StatusServiceUnavailable)
		return nil, nil, false
	}
	return conn, release, true
}

func (s *Server) listJobs(c *gin.Context) {
	conn, release, ok := s.conn(c)
	if !ok {
		return
	}
	defer release()

	var jobs []model.CronJob
	q := conn
	if enabled := c.Query("is_enabled"); enabled != "" {
		q = q.Where("is_enabled = ?", enabled == "true")
	}
	if err := q.Order("id ASC").Find(&jobs).Error; err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c *gin.Context) {
	conn, release, ok := s.conn(c)
	if !ok {
		return
	}
	defer release()

	var job model.CronJob
	if err := conn.First(&job, c.Param("id")).Error; err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) createJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
		return
	}

	job := model.CronJob{
		Name:           req.Name,
		CronExpression: req.CronExpression,
		HandlerName:    req.HandlerName,
		HandlerParams:  req.HandlerParams,
		IsEnabled:      true,
		AllowOverlap:   true,
		MaxRetry:       req.MaxRetry,
		TimeoutSeconds: req.TimeoutSeconds,
	}
	if req.IsEnabled != nil {
		job.IsEnabled = *req.IsEnabled
	}
	if req.AllowOverlap != nil {
		job.AllowOverlap = *req.AllowOverlap
	}
	if job.TimeoutSeconds == 0 {
		job.TimeoutSeconds = 300
	}

	conn, release, ok := s.conn(c)
	if !ok {
		return
	}
	defer release()

	if err := conn.Create(&job).Error; err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) updateJob(c *gin.Context) {
	var req UpdateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
		return
	}

	conn, release, ok := s.conn(c)
	if !ok {
		return
	}
	defer release()

	var job model.CronJob
	if err := conn.First(&job, c.Param("id")).Error; err != nil {
		c.Error(err)
		return
	}

	if req.Name != nil {
		job.Name = *req.Name
	}
	if req.CronExpression != nil {
		job.CronExpression = *req.CronExpression
	}
	if req.HandlerName != nil {
		job.HandlerName = *req.HandlerName
	}
	if req.HandlerParams != nil {
		job.HandlerParams = req.HandlerParams
	}
	if req.IsEnabled != nil {
		job.IsEnabled = *req.IsEnabled
	}
	if req.AllowOverlap != nil {
		job.AllowOverlap = *req.AllowOverlap
	}
	if req.MaxRetry != nil {
		job.MaxRetry = *req.MaxRetry
	}
	if req.TimeoutSeconds != nil {
		job.TimeoutSeconds = *req.TimeoutSeconds
	}

	if err := conn.Save(&job).Error; err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// deleteJob removes a cron_jobs row and, per spec.md §3 Lifecycle
// ("deletion cascades to job_executions"), every job_executions row
// that references it — there is no FK-level ON DELETE CASCADE on
// model.JobExecution.JobID, so the cascade is done explicitly inside a
// transaction rather than left to the database.
func (s *Server) deleteJob(c *gin.Context) {
	conn, release, ok := s.conn(c)
	if !ok {
		return
	}
	defer release()

	id := c.Param("id")
	err := conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&model.JobExecution{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.CronJob{}, id).Error
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// setEnabled returns a handler toggling is_enabled to the fixed value
// enabled, grounded on spec.md §4.6(c) "enable/disable toggles set
// is_enabled".
func (s *Server) setEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, release, ok := s.conn(c)
		if !ok {
			return
		}
		defer release()

		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_ID", Message: err.Error()})
			return
		}

		res := conn.Model(&model.CronJob{}).Where("id = ?", id).Update("is_enabled", enabled)
		if res.Error != nil {
			c.Error(res.Error)
			return
		}
		if res.RowsAffected == 0 {
			c.Error(gorm.ErrRecordNotFound)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
