package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/arloliu/chatroute/types"
)

type requestChatBody struct {
	CustomerID   string `json:"customerId" binding:"required"`
	CustomerName string `json:"customerName"`
	Message      string `json:"message"`
	AutoAssign   bool   `json:"autoAssign"`
}

// RequestChatResponse is returned by POST /v1/requests.
type RequestChatResponse struct {
	Request    types.ChatRequest     `json:"request"`
	Assignment *types.ChatAssignment `json:"assignment"`
}

type claimBody struct {
	OperatorID string `json:"operatorId" binding:"required"`
}

type endForBody struct {
	OperatorID string      `json:"operatorId" binding:"required"`
	By         types.Party `json:"by"`
}

type endBody struct {
	By types.Party `json:"by"`
}

func (s *Server) requestChat(c *gin.Context) {
	var body requestChatBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, err)
		return
	}

	ctx, cancel := s.opContext(c)
	defer cancel()

	req, err := s.cfg.Engine.RequestChat(ctx, body.CustomerID, body.CustomerName, body.Message)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := RequestChatResponse{Request: req}
	if body.AutoAssign && req.IsWaiting() {
		a, err := s.cfg.Engine.AutoAssign(ctx, body.CustomerID)
		switch {
		case err != nil:
			// The request is stored either way.
			s.cfg.Logger.Warn("auto-assign after request failed", "customer", body.CustomerID, "error", err)
		case a != nil:
			resp.Assignment = a
			if current, err := s.cfg.Engine.GetRequest(ctx, req.ID); err == nil {
				resp.Request = current
			}
		}
	}

	c.JSON(http.StatusCreated, resp)
}

func (s *Server) pending(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()

	reqs, err := s.cfg.Engine.PendingRequests(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, nonNil(reqs))
}

func (s *Server) claim(c *gin.Context) {
	var body claimBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, err)
		return
	}

	ctx, cancel := s.opContext(c)
	defer cancel()

	a, err := s.cfg.Engine.Claim(ctx, c.Param("id"), body.OperatorID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, a)
}

func (s *Server) decline(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()

	req, err := s.cfg.Engine.Decline(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, req)
}

func (s *Server) customerView(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()

	view, err := s.cfg.Engine.CustomerView(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

func (s *Server) history(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondBadRequest(c, errInvalidLimit)
			return
		}
		limit = n
	}

	ctx, cancel := s.opContext(c)
	defer cancel()

	events, err := s.cfg.Engine.History(ctx, c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, nonNil(events))
}

func (s *Server) autoAssign(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()

	a, err := s.cfg.Engine.AutoAssign(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if a == nil {
		// Nobody can take the chat; the request keeps waiting.
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, a)
}

func (s *Server) endChatFor(c *gin.Context) {
	var body endForBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, err)
		return
	}

	ctx, cancel := s.opContext(c)
	defer cancel()

	a, err := s.cfg.Engine.EndChatFor(ctx, c.Param("id"), body.OperatorID, body.By)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, a)
}

func (s *Server) endChat(c *gin.Context) {
	var body endBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			respondBadRequest(c, err)
			return
		}
	}

	ctx, cancel := s.opContext(c)
	defer cancel()

	a, err := s.cfg.Engine.EndChat(ctx, c.Param("id"), body.By)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, a)
}

func (s *Server) activity(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()

	a, err := s.cfg.Engine.RecordActivity(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, a)
}

func (s *Server) operators(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()

	ops, err := s.cfg.Engine.Operators(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, nonNil(ops))
}

func (s *Server) setStatus(c *gin.Context) {
	var update types.StatusUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		respondBadRequest(c, err)
		return
	}

	ctx, cancel := s.opContext(c)
	defer cancel()

	op, err := s.cfg.Engine.SetOperatorStatus(ctx, c.Param("id"), update)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, op)
}

func (s *Server) operatorAssignments(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()

	list, err := s.cfg.Engine.GetActiveAssignmentsFor(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, nonNil(list))
}

// nonNil renders empty lists as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}

	return s
}
