package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ghalamif/WaferProbe/internal/app/identity"
	"github.com/ghalamif/WaferProbe/internal/app/ledger"
	"github.com/ghalamif/WaferProbe/internal/app/orchestrator"
	"github.com/ghalamif/WaferProbe/internal/domain"
)

type runRequest struct {
	Mode string `json:"mode" binding:"required"`
	Row  int    `json:"row"`
	Col  int    `json:"col"`
}

type skipRequest struct {
	N int `json:"n" binding:"required"`
}

// GET /api/v1/coordinates
func (s *Server) handleCoordinates(c *gin.Context) {
	coords := s.reader.Coordinates()
	c.JSON(http.StatusOK, gin.H{
		"data": coords,
		"meta": gin.H{"count": len(coords)},
	})
}

// GET /api/v1/verdicts?rule=
func (s *Server) handleVerdicts(c *gin.Context) {
	rule, ok := s.ruleParam(c)
	if !ok {
		return
	}
	verdicts, err := s.reader.Verdicts(rule)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": verdicts,
		"meta": gin.H{"count": len(verdicts), "rule": rule},
	})
}

// GET /api/v1/verdicts/:row/:col?rule=
func (s *Server) handleVerdict(c *gin.Context) {
	coord, ok := coordinateParam(c)
	if !ok {
		return
	}
	rule, ok := s.ruleParam(c)
	if !ok {
		return
	}
	v, err := s.reader.Verdict(coord, rule)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": v})
}

// GET /api/v1/history/:row/:col
func (s *Server) handleHistory(c *gin.Context) {
	coord, ok := coordinateParam(c)
	if !ok {
		return
	}
	history := s.reader.History(coord)
	if len(history) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no attempts for " + coord.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": history,
		"meta": gin.H{"count": len(history)},
	})
}

// POST /api/v1/runs
func (s *Server) handleRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := identity.ParseKind(req.Mode)
	if err != nil || kind == identity.KindSkip {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be auto, goto or retest"})
		return
	}
	coord := domain.Coordinate{Row: req.Row, Col: req.Col}
	mode := identity.Auto()
	switch kind {
	case identity.KindGoto:
		mode = identity.Goto(coord)
	case identity.KindRetest:
		mode = identity.Retest(coord)
	}

	// an attempt keeps running if the client goes away; use /abort to stop it
	att, err := s.operator.RunNext(context.WithoutCancel(c.Request.Context()), mode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": att})
}

// POST /api/v1/skip
func (s *Server) handleSkip(c *gin.Context) {
	var req skipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.operator.RunNext(c.Request.Context(), identity.Skip(req.N)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "skipped", "n": req.N})
}

// POST /api/v1/abort
func (s *Server) handleAbort(c *gin.Context) {
	if !s.operator.Abort() {
		c.JSON(http.StatusConflict, gin.H{"error": "no attempt in flight"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "aborting"})
}

// POST /api/v1/reset
func (s *Server) handleReset(c *gin.Context) {
	if err := s.operator.Reset(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) ruleParam(c *gin.Context) (domain.AggregationRule, bool) {
	raw := c.Query("rule")
	if raw == "" {
		return s.rule, true
	}
	rule, err := domain.ParseRule(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return rule, true
}

func coordinateParam(c *gin.Context) (domain.Coordinate, bool) {
	row, errRow := strconv.Atoi(c.Param("row"))
	col, errCol := strconv.Atoi(c.Param("col"))
	if errRow != nil || errCol != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "row and col must be integers"})
		return domain.Coordinate{}, false
	}
	return domain.Coordinate{Row: row, Col: col}, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNoAttempts):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrUnknownRule):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrStationBusy):
		status = http.StatusConflict
	case errors.Is(err, identity.ErrInvalidSkip):
		status = http.StatusBadRequest
	case errors.Is(err, identity.ErrOutOfRange),
		errors.Is(err, identity.ErrUnknownCoordinate),
		errors.Is(err, identity.ErrExcludedCoordinate),
		errors.Is(err, identity.ErrCursorRegression):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
