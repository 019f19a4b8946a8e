package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chathub/pkg/coordination"
	tracing "chathub/pkg/observability"
)

// getLeader handles GET /api/v1/cluster/leader
func (s *Server) getLeader(c *gin.Context) {
	ctx := c.Request.Context()
	body := gin.H{
		"state":     s.election.State().String(),
		"isLeader":  s.election.IsLeader(),
		"candidate": s.election.Candidate(),
	}

	leader, err := s.election.Leader(ctx)
	switch {
	case errors.Is(err, coordination.ErrNoLeaderAvailable):
		body["error"] = "no leader available"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	case err != nil:
		tracing.SetError(ctx, err)
		body["error"] = "failed to read election: " + err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}

	tracing.SetAttributes(ctx, tracing.AttrPath.String(leader))
	body["leader"] = leader
	c.JSON(http.StatusOK, body)
}

// resign handles POST /api/v1/cluster/leader/resign
func (s *Server) resign(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.election.Resign(ctx); err != nil {
		tracing.SetError(ctx, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resign: " + err.Error()})
		return
	}
	tracing.AddEvent(ctx, "election.resigned")
	s.logger.Info("resigned through api")
	c.JSON(http.StatusOK, gin.H{"state": s.election.State().String()})
}

// rejoin handles POST /api/v1/cluster/leader/rejoin
func (s *Server) rejoin(c *gin.Context) {
	s.election.Restart()
	tracing.AddEvent(c.Request.Context(), "election.restarted")
	s.logger.Info("rejoined election through api")
	c.JSON(http.StatusAccepted, gin.H{"state": s.election.State().String()})
}

// getSession handles GET /api/v1/cluster/session
func (s *Server) getSession(c *gin.Context) {
	snap := s.connection.Snapshot()
	tracing.SetAttributes(c.Request.Context(),
		tracing.AttrInstance.String(snap.Instance),
		tracing.AttrEndpoint.String(snap.Endpoint),
	)
	c.JSON(http.StatusOK, snap)
}

type endpointView struct {
	Endpoint         string `json:"endpoint"`
	Current          bool   `json:"current"`
	Breaker          string `json:"breaker"`
	Status           string `json:"status"`
	LeaderVisible    bool   `json:"leaderVisible"`
	ConsecutiveFails int    `json:"consecutiveFails"`
	LastError        string `json:"lastError,omitempty"`
}

// listEndpoints handles GET /api/v1/cluster/endpoints
func (s *Server) listEndpoints(c *gin.Context) {
	snap := s.connection.Snapshot()
	breakers := map[string]string{}
	if s.breakers != nil {
		breakers = s.breakers.BreakerStates()
	}

	views := make([]endpointView, 0, len(snap.Endpoints))
	index := make(map[string]int, len(snap.Endpoints))
	for _, ep := range snap.Endpoints {
		index[ep] = len(views)
		views = append(views, endpointView{
			Endpoint: ep,
			Current:  ep == snap.Endpoint,
			Breaker:  breakers[ep],
			Status:   "unknown",
		})
	}
	if s.health != nil {
		for _, h := range s.health.Snapshot() {
			i, ok := index[h.Endpoint]
			if !ok {
				s.logger.Debug("probe result for unknown endpoint", zap.String("endpoint", h.Endpoint))
				continue
			}
			views[i].Status = string(h.Status)
			views[i].LeaderVisible = h.LeaderVisible
			views[i].ConsecutiveFails = h.ConsecutiveFails
			views[i].LastError = h.LastError
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"endpoints": views,
		"count":     len(views),
	})
}

// listSubscriptions handles GET /api/v1/cluster/subscriptions
func (s *Server) listSubscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"subscriptions": s.subscriptions.Paths(),
		"count":         s.subscriptions.Len(),
	})
}
