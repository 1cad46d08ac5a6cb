package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"trading-core/internal/connection"
	"trading-core/internal/errkind"
	"trading-core/internal/journal"
	"trading-core/internal/orchestrator"
)

// errStatus maps a stable error kind to its HTTP status, per spec.md §7's
// taxonomy (surfaced errors carry kind+message; this is just the transport
// mapping on top of that).
func errStatus(kind errkind.Kind) int {
	switch kind {
	case errkind.InvalidParams, errkind.InvalidStateTransition, errkind.InverseContractRejected,
		errkind.AmountTooSmall, errkind.LeverageExceeded, errkind.InsufficientFunds,
		errkind.InsufficientMargin, errkind.PositionAlreadyExists:
		return http.StatusBadRequest
	case errkind.AuthenticationError, errkind.Unauthorized:
		return http.StatusUnauthorized
	case errkind.JobNotFound:
		return http.StatusNotFound
	case errkind.WorkerLimitExceeded, errkind.EntitlementExpired, errkind.SingleStrategyViolation:
		return http.StatusConflict
	case errkind.RateLimit:
		return http.StatusTooManyRequests
	case errkind.TimeoutError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	kind := errkind.Of(err)
	c.JSON(errStatus(kind), gin.H{
		"kind":  kind,
		"error": err.Error(),
	})
}

// connect opens (or returns the existing) broker session for the
// authenticated user (spec.md §6 "POST /connect {environment}").
func (s *Server) connect(c *gin.Context) {
	var req struct {
		Environment string `json:"environment"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"kind": errkind.InvalidParams, "error": "invalid request payload"})
		return
	}
	env := connection.Environment(req.Environment)
	if env == "" {
		env = connection.EnvLive
	}

	userID := CurrentUserID(c)
	if _, err := s.Connections.Connect(c.Request.Context(), userID, s.BrokerID, env); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": true, "environment": env})
}

// disconnect closes the authenticated user's broker session (spec.md §6
// "POST /disconnect").
func (s *Server) disconnect(c *gin.Context) {
	userID := CurrentUserID(c)
	if err := s.Connections.Disconnect(c.Request.Context(), userID, s.BrokerID, connection.EnvLive); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": false})
}

// strategyStart admits a new job for the authenticated user (spec.md §6
// "POST /strategy/start {strategyName, instrument, config}").
func (s *Server) strategyStart(c *gin.Context) {
	var req struct {
		StrategyName string         `json:"strategyName"`
		Instrument   string         `json:"instrument"`
		Config       map[string]any `json:"config"`
	}
	if err := c.BindJSON(&req); err != nil || req.StrategyName == "" || req.Instrument == "" {
		c.JSON(http.StatusBadRequest, gin.H{"kind": errkind.InvalidParams, "error": "strategyName and instrument are required"})
		return
	}

	snapshot := map[string]any{
		"instrument": req.Instrument,
		"config":     req.Config,
	}
	jobID, err := s.Orchestrator.StartRunner(c.Request.Context(), orchestrator.StartRequest{
		UserID:         CurrentUserID(c),
		StrategyID:     req.StrategyName,
		BrokerID:       s.BrokerID,
		ConfigSnapshot: snapshot,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"jobId": jobID})
}

// strategyStop stops one of the authenticated user's running jobs (spec.md
// §6 "POST /strategy/stop").
func (s *Server) strategyStop(c *gin.Context) {
	var req struct {
		JobID            string `json:"jobId"`
		FlattenPositions bool   `json:"flattenPositions"`
	}
	if err := c.BindJSON(&req); err != nil || req.JobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"kind": errkind.InvalidParams, "error": "jobId is required"})
		return
	}
	err := s.Orchestrator.StopRunner(c.Request.Context(), orchestrator.StopRequest{
		UserID:           CurrentUserID(c),
		JobID:            req.JobID,
		FlattenPositions: req.FlattenPositions,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// strategyStatus returns the authenticated user's running workers and
// overall queue stats (spec.md §6 "GET /strategy/status").
func (s *Server) strategyStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Orchestrator.GetStatus(CurrentUserID(c)))
}

// strategyAnalysis returns the current lifecycle state for the job's
// account (spec.md §6 "GET /strategy/analysis/{id}"): the analysis a
// strategy runner produces lives in the lifecycle state machine's record
// (state, signal-derived position fields), not in a separate store.
func (s *Server) strategyAnalysis(c *gin.Context) {
	job, ok := s.jobOwnedByCaller(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Lifecycle.Current(job.UserID))
}

// strategyMetrics returns a metrics snapshot scoped by an ownership check
// on the job id (spec.md §6 "GET /strategy/metrics/{id}"). The runner has
// no per-job latency breakdown of its own, so this surfaces the
// process-wide snapshot.
func (s *Server) strategyMetrics(c *gin.Context) {
	if _, ok := s.jobOwnedByCaller(c); !ok {
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// jobOwnedByCaller loads the job named by the ":id" path param and writes
// the appropriate error response (and returns ok=false) unless it belongs
// to the authenticated caller.
func (s *Server) jobOwnedByCaller(c *gin.Context) (orchestrator.Job, bool) {
	job, ok := s.Orchestrator.GetJob(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"kind": errkind.JobNotFound, "error": "job not found"})
		return orchestrator.Job{}, false
	}
	if job.UserID != CurrentUserID(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"kind": errkind.Unauthorized, "error": "job does not belong to the authenticated user"})
		return orchestrator.Job{}, false
	}
	return job, true
}

// killswitch stops every running job the authenticated user owns with
// positions flattened, then forces their lifecycle record back to idle
// (spec.md §6 "POST /killswitch ... transition lifecycle -> IDLE").
func (s *Server) killswitch(c *gin.Context) {
	userID := CurrentUserID(c)
	ctx := c.Request.Context()
	if err := s.Orchestrator.Killswitch(ctx, userID); err != nil {
		writeError(c, err)
		return
	}
	if _, err := s.Lifecycle.ReconcileReset(ctx, userID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// tradesHistory returns journal entries matching the query filter (spec.md
// §6 "GET /trades/history").
func (s *Server) tradesHistory(c *gin.Context) {
	f := journal.Filter{
		Strategy:   c.Query("strategy"),
		Instrument: c.Query("instrument"),
		OpenOnly:   c.Query("openOnly") == "true",
		ClosedOnly: c.Query("closedOnly") == "true",
	}
	if v := c.Query("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := c.Query("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	entries, err := s.Journal.Query(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": entries})
}

// tradesStats returns aggregate PnL stats over closed trades (spec.md §6
// "GET /trades/stats").
func (s *Server) tradesStats(c *gin.Context) {
	f := journal.Filter{
		Strategy:   c.Query("strategy"),
		Instrument: c.Query("instrument"),
	}
	stats, err := s.Journal.Stats(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// deleteTrade removes a journal entry (spec.md §6 "DELETE /trades/{id}").
func (s *Server) deleteTrade(c *gin.Context) {
	if err := s.Journal.DeleteTrade(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
