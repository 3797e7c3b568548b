package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pmcore/deliverable-outbox/internal/model"
	"github.com/pmcore/deliverable-outbox/internal/repo"
	"github.com/pmcore/deliverable-outbox/internal/service"
	"gorm.io/gorm"
)

func RegisterHandlers(r *gin.Engine, svc *service.OutboxService) {
	v1 := r.Group("/v1")
	{
		v1.POST("/events", enqueueHandler(svc))
		v1.GET("/dead-letters", listDeadLettersHandler(svc))
		v1.GET("/dead-letters/count", countDeadLettersHandler(svc))
		v1.POST("/dead-letters/:id/retry", retryDeadLetterHandler(svc))
		v1.POST("/dead-letters/:id/resolve", resolveDeadLetterHandler(svc))
		v1.POST("/dead-letters/:id/ignore", ignoreDeadLetterHandler(svc))
		v1.GET("/relay/stale", staleRelayedHandler(svc))
	}
}

type enqueueReq struct {
	AggregateType string          `json:"aggregate_type" binding:"required"`
	AggregateID   string          `json:"aggregate_id" binding:"required"`
	EventType     string          `json:"event_type" binding:"required"`
	Payload       json.RawMessage `json:"payload" binding:"required"`
	ProjectID     uint64          `json:"project_id" binding:"required"`
}

func enqueueHandler(svc *service.OutboxService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req enqueueReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		evt, err := svc.Enqueue(c, service.EnqueueInput{
			AggregateType: req.AggregateType,
			AggregateID:   req.AggregateID,
			EventType:     model.EventType(req.EventType),
			Payload:       string(req.Payload),
			ProjectID:     req.ProjectID,
		})
		switch {
		case errors.Is(err, repo.ErrDuplicateEvent):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrInvalidEventType):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusCreated, gin.H{"id": evt.ID, "status": evt.Status})
		}
	}
}

// pathID parses the :id segment, answering 400 itself on garbage.
func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func listDeadLettersHandler(svc *service.OutboxService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		dls, err := svc.ListUnresolved(c, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, dls)
	}
}

func countDeadLettersHandler(svc *service.OutboxService) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svc.CountUnresolved(c)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"unresolved": n})
	}
}

type retryReq struct {
	Actor string `json:"actor" binding:"required"`
}

func retryDeadLetterHandler(svc *service.OutboxService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req retryReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, ok := pathID(c)
		if !ok {
			return
		}
		evt, err := svc.RetryDeadLetter(c, id, req.Actor)
		if err != nil {
			writeResolutionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"event_id": evt.ID, "status": evt.Status})
	}
}

type resolutionReq struct {
	Actor string `json:"actor" binding:"required"`
	Notes string `json:"notes" binding:"required"`
}

func resolveDeadLetterHandler(svc *service.OutboxService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolutionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, ok := pathID(c)
		if !ok {
			return
		}
		if err := svc.ResolveDeadLetter(c, id, req.Notes, req.Actor); err != nil {
			writeResolutionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": model.ResolutionResolved})
	}
}

func ignoreDeadLetterHandler(svc *service.OutboxService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolutionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, ok := pathID(c)
		if !ok {
			return
		}
		if err := svc.IgnoreDeadLetter(c, id, req.Notes, req.Actor); err != nil {
			writeResolutionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": model.ResolutionIgnored})
	}
}

func staleRelayedHandler(svc *service.OutboxService) gin.HandlerFunc {
	return func(c *gin.Context) {
		mins, err := strconv.Atoi(c.DefaultQuery("cutoff_minutes", "10"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cutoff_minutes"})
			return
		}
		evts, err := svc.StaleRelayed(c, time.Duration(mins)*time.Minute)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, evts)
	}
}

func writeResolutionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
	case errors.Is(err, repo.ErrConflict), errors.Is(err, repo.ErrDuplicateEvent):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrMissingActor), errors.Is(err, service.ErrMissingNotes):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
