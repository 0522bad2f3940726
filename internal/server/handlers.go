package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cwbudde/trialforge/internal/opt"
	"github.com/cwbudde/trialforge/internal/service"
)

// handleInfo handles GET /
func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Info())
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"strategies": opt.Strategies(),
	})
}

// handleCreateExperiment handles POST /create_experiment
func (s *Server) handleCreateExperiment(c *gin.Context) {
	var req service.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err))
		return
	}

	summary, err := s.svc.CreateExperiment(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"experiment_id": summary.ID,
		"status":        "created",
		"parameters":    len(req.Parameters),
		"strategy":      summary.Strategy,
	})
}

// handleGetNextTrial handles GET /get_next_trial/:id
func (s *Server) handleGetNextTrial(c *gin.Context) {
	trial, err := s.svc.GetNextTrial(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"parameters":  trial.Parameters,
		"trial_index": trial.Index,
	})
}

type completeTrialRequest struct {
	Score *float64 `json:"score"`
}

// handleCompleteTrial handles POST /complete_trial/:id/:index
func (s *Server) handleCompleteTrial(c *gin.Context) {
	index, ok := trialIndex(c)
	if !ok {
		return
	}

	var req completeTrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err))
		return
	}
	if req.Score == nil {
		respondError(c, fmt.Errorf("%w: score is required", errBadRequest))
		return
	}

	if err := s.svc.CompleteTrial(c.Request.Context(), c.Param("id"), index, *req.Score); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "completed",
		"trial_index": index,
	})
}

type failTrialRequest struct {
	Reason string `json:"reason"`
}

// handleFailTrial handles POST /fail_trial/:id/:index. The body is optional.
func (s *Server) handleFailTrial(c *gin.Context) {
	index, ok := trialIndex(c)
	if !ok {
		return
	}

	var req failTrialRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err))
			return
		}
	}

	if err := s.svc.FailTrial(c.Request.Context(), c.Param("id"), index, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "failed",
		"trial_index": index,
	})
}

// handleGetBest handles GET /get_best/:id
func (s *Server) handleGetBest(c *gin.Context) {
	best, err := s.svc.GetBest(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"parameters":  best.Parameters,
		"score":       best.Score,
		"trial_index": best.Index,
	})
}

// handleGetTrials handles GET /get_trials/:id
func (s *Server) handleGetTrials(c *gin.Context) {
	trials, err := s.svc.GetTrials(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trials": trials})
}

// handleListExperiments handles GET /experiments
func (s *Server) handleListExperiments(c *gin.Context) {
	list, err := s.svc.ListExperiments(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"experiments": list})
}

// handleDeleteExperiment handles DELETE /experiments/:id
func (s *Server) handleDeleteExperiment(c *gin.Context) {
	id := c.Param("id")
	if err := s.svc.DeleteExperiment(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "deleted",
		"experiment_id": id,
	})
}

// handleSaveCheckpoint handles POST /save_checkpoint/:id?filepath=
func (s *Server) handleSaveCheckpoint(c *gin.Context) {
	key, err := s.svc.SaveCheckpoint(c.Request.Context(), c.Param("id"), c.Query("filepath"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "saved",
		"filepath": key,
	})
}

// handleLoadCheckpoint handles POST /load_checkpoint?filepath=
func (s *Server) handleLoadCheckpoint(c *gin.Context) {
	source := c.Query("filepath")
	if source == "" {
		respondError(c, fmt.Errorf("%w: filepath query parameter is required", errBadRequest))
		return
	}

	summary, err := s.svc.LoadCheckpoint(c.Request.Context(), source)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "loaded",
		"experiment_id": summary.ID,
		"trials":        summary.Trials,
	})
}

// trialIndex parses the :index path parameter, responding 400 on failure.
func trialIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondError(c, fmt.Errorf("%w: trial index %q is not an integer", errBadRequest, c.Param("index")))
		return 0, false
	}
	return index, true
}
