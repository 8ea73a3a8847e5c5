package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/chronopool/scheduler/internal/model"
	"github.com/gin-gonic/gin"
)

func (s *Server) listExecutions(c *gin.Context) {
	conn, release, ok := s.conn(c)
	if !ok {
		return
	}
	defer release()

	q := conn.Model(&model.JobExecution{})
	if jobID := c.Query("job_id"); jobID != "" {
		q = q.Where("job_id = ?", jobID)
	}
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	var executions []model.JobExecution
	if err := q.Order("created_at DESC").Limit(limit).Find(&executions).Error; err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, executions)
}

func (s *Server) getExecution(c *gin.Context) {
	conn, release, ok := s.conn(c)
	if !ok {
		return
	}
	defer release()

	var exec model.JobExecution
	if err := conn.First(&exec, c.Param("id")).Error; err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// retryExecution is round-trip R3: a FAILED/TIMEOUT row has
// started_at/finished_at/error_message/result cleared and moves back
// to PENDING, regardless of the row's current retry_count (an operator
// retry is not bound by max_retry the way the automatic path is).
func (s *Server) retryExecution(c *gin.Context) {
	conn, release, ok := s.conn(c)
	if !ok {
		return
	}
	defer release()

	var exec model.JobExecution
	if err := conn.First(&exec, c.Param("id")).Error; err != nil {
		c.Error(err)
		return
	}

	if exec.Status != model.StatusFailed && exec.Status != model.StatusTimeout {
		c.JSON(http.StatusConflict, ErrorResponse{
			Code:    "INVALID_STATE",
			Message: "only FAILED or TIMEOUT executions can be retried",
		})
		return
	}

	updates := map[string]any{
		"status":        model.StatusPending,
		"started_at":    nil,
		"finished_at":   nil,
		"error_message": nil,
		"result":        nil,
	}
	if err := conn.Model(&model.JobExecution{}).Where("id = ?", exec.ID).Updates(updates).Error; err != nil {
		c.Error(err)
		return
	}

	conn.First(&exec, exec.ID)
	c.JSON(http.StatusOK, exec)
}

// sweepExecutions deletes terminal executions older than the "before"
// query parameter (RFC3339), optionally restricted to a status, per
// the supplemented retention-sweep endpoint (spec.md §3 mentions
// retention sweeps without specifying one).
func (s *Server) sweepExecutions(c *gin.Context) {
	before := c.Query("before")
	if before == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_REQUEST", Message: "before is required"})
		return
	}
	cutoff, err := time.Parse(time.RFC3339, before)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_REQUEST", Message: "before must be RFC3339"})
		return
	}

	conn, release, ok := s.conn(c)
	if !ok {
		return
	}
	defer release()

	q := conn.Where("created_at < ?", cutoff).
		Where("status IN ?", []model.ExecutionStatus{model.StatusSuccess, model.StatusFailed, model.StatusTimeout})
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	res := q.Delete(&model.JobExecution{})
	if res.Error != nil {
		c.Error(res.Error)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": res.RowsAffected})
}

func (s *Server) health(c *gin.Context) {
	stats := make(map[string]any)
	healthy := true
	for _, name := range s.registry.Names() {
		pool, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		entry := gin.H{"pool": pool.Stats()}
		if err := pool.Ping(); err != nil {
			entry["error"] = err.Error()
			healthy = false
		}
		stats[name] = entry
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "databases": stats})
}
