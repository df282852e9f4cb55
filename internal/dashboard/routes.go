package dashboard

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/greenroom/internal/guard"
	"github.com/zulandar/greenroom/internal/scheduler"
	"gorm.io/gorm"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	api := router.Group("/api")

	api.GET("/conversations", handleConversationList(opts.DB))
	api.GET("/conversations/:id", handleConversationDetail(opts.DB))

	api.POST("/conversations/:id/messages", handlePostMessage(opts.Scheduler))
	api.POST("/conversations/:id/pause", handlePause(opts.Scheduler))
	api.POST("/conversations/:id/resume", handleResume(opts.Scheduler))
	api.POST("/conversations/:id/skip", handleSkip(opts.Scheduler))
	api.POST("/conversations/:id/retry", handleRetry(opts.Scheduler))
	api.POST("/conversations/:id/stop", handleStop(opts.Scheduler))
	api.POST("/conversations/:id/regenerate", handleRegenerate(opts.Scheduler))
	api.POST("/conversations/:id/force-talk", handleForceTalk(opts.Scheduler))
	if opts.Guard != nil {
		api.POST("/conversations/:id/messages/:msg/hide", handleHideMessage(opts.Guard))
	}

	if opts.Hub != nil {
		api.GET("/events", handleSSE(opts.Hub))
	}
}

func handleConversationList(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := ConversationSummary(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"conversations": rows})
	}
}

func handleConversationDetail(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := LoadConversationDetail(db, c.Param("id"))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, detail)
	}
}

type postMessageRequest struct {
	SpeakerID string `json:"speaker_id" binding:"required"`
	Body      string `json:"body" binding:"required"`
}

func handlePostMessage(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req postMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		outcome, msg, err := sched.PostHumanMessage(c.Param("id"), req.SpeakerID, req.Body)
		if errors.Is(err, scheduler.ErrInputRejected) {
			c.JSON(http.StatusConflict, gin.H{"error": "input rejected: a speaker is responding"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"outcome": outcome, "message": msg})
	}
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func handlePause(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req pauseRequest
		c.ShouldBindJSON(&req)
		outcome, err := sched.PauseRound(c.Param("id"), req.Reason)
		respondOutcome(c, outcome, err)
	}
}

func handleResume(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome, err := sched.ResumeRound(c.Param("id"))
		respondOutcome(c, outcome, err)
	}
}

type skipRequest struct {
	Force bool `json:"force"`
}

func handleSkip(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req skipRequest
		c.ShouldBindJSON(&req)
		outcome, err := sched.SkipCurrentSpeaker(c.Param("id"), req.Force)
		respondOutcome(c, outcome, err)
	}
}

func handleRetry(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome, err := sched.RetryCurrentSpeaker(c.Param("id"))
		respondOutcome(c, outcome, err)
	}
}

func handleStop(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome, err := sched.StopRound(c.Param("id"))
		respondOutcome(c, outcome, err)
	}
}

func handleRegenerate(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := sched.Regenerate(c.Param("id"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, scheduler.ErrNoMessageToRegenerate) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run": run})
	}
}

type forceTalkRequest struct {
	SpeakerID string `json:"speaker_id" binding:"required"`
}

func handleForceTalk(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req forceTalkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		run, err := sched.ForceTalk(c.Param("id"), req.SpeakerID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run": run})
	}
}

func handleHideMessage(g *guard.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		outcome, err := g.HideMessage(c.Param("id"), c.Param("msg"))
		if errors.Is(err, guard.ErrMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": outcome})
	}
}

// respondOutcome maps recovery-command results onto HTTP statuses: blocked
// commands are conflicts, noops are still OK with the noop outcome visible.
func respondOutcome(c *gin.Context, outcome scheduler.Outcome, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, scheduler.ErrBlockedActiveRun),
			errors.Is(err, scheduler.ErrRoundFailed),
			errors.Is(err, scheduler.ErrActiveRoundExists):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome, "noop": outcome.Noop()})
}
