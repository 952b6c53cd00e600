package httpapi

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arloliu/chatroute"
	"github.com/arloliu/chatroute/types"
)

// SSE event names.
const (
	EventPending     = "pending"
	EventOperators   = "operators"
	EventAssignments = "assignments"
	EventCustomer    = "customer"
	EventPing        = "ping"
)

func (s *Server) streamPending(c *gin.Context) {
	sub, err := s.cfg.Engine.WatchPending(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	serveStream(c, s.cfg.PingInterval, EventPending, sub, nonNil[types.ChatRequest])
}

func (s *Server) streamOperators(c *gin.Context) {
	sub, err := s.cfg.Engine.WatchOperators(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	serveStream(c, s.cfg.PingInterval, EventOperators, sub, nonNil[types.OperatorStatus])
}

// streamOperator feeds an operator dashboard its active assignments and keeps
// the operator present while connected.
func (s *Server) streamOperator(c *gin.Context) {
	ctx := c.Request.Context()
	operatorID := c.Param("id")

	sess, err := s.cfg.Engine.StartPresence(ctx, operatorID)
	if err != nil {
		respondError(c, err)
		return
	}
	defer func() {
		if err := sess.Close(); err != nil {
			s.cfg.Logger.Warn("failed to close presence session", "operator", operatorID, "error", err)
		}
	}()

	sub, err := s.cfg.Engine.WatchOperatorAssignments(ctx, operatorID)
	if err != nil {
		respondError(c, err)
		return
	}
	serveStream(c, s.cfg.PingInterval, EventAssignments, sub, nonNil[types.ChatAssignment])
}

func (s *Server) streamCustomer(c *gin.Context) {
	sub, err := s.cfg.Engine.WatchCustomer(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	serveStream(c, s.cfg.PingInterval, EventCustomer, sub, func(v types.CustomerView) types.CustomerView { return v })
}

// serveStream writes every snapshot of sub as one event until the client
// disconnects or the subscription ends.
func serveStream[T any](c *gin.Context, ping time.Duration, event string, sub *chatroute.Subscription[T], render func(T) T) {
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case v, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(event, render(v))

			return true
		case <-ticker.C:
			c.SSEvent(EventPing, time.Now().UTC().Format(time.RFC3339))

			return true
		}
	})
}
