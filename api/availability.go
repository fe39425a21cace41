package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/majaostudio/classbooking/internal/domain"
	"github.com/majaostudio/classbooking/internal/service/negotiation"
)

// AvailabilityHandler exposes the resolver as a read-only query, for
// the studio operator rather than for students.
type AvailabilityHandler struct {
	negotiations negotiation.UseCase
}

type slotResponse struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type availabilityResponse struct {
	Free        bool           `json:"free"`
	Slot        slotResponse   `json:"slot"`
	Conflicts   []slotResponse `json:"conflicts"`
	Suggestions []slotResponse `json:"suggestions"`
}

func NewAvailabilityHandler(negotiations negotiation.UseCase) *AvailabilityHandler {
	return &AvailabilityHandler{negotiations: negotiations}
}

func (h *AvailabilityHandler) Register(router *gin.RouterGroup) {
	router.GET("/availability", h.check)
}

func (h *AvailabilityHandler) check(c *gin.Context) {
	date := c.Query("date")
	clock := c.Query("time")
	style := c.Query("style")
	if date == "" || clock == "" || style == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date, time and style are required"})
		return
	}

	result, err := h.negotiations.CheckAvailability(c.Request.Context(), date, clock, style)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrOutsideHours) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	resp := availabilityResponse{
		Free: result.Free,
		Slot: slotResponse{
			Start: result.Slot.Start.Format(time.RFC3339),
			End:   result.Slot.End.Format(time.RFC3339),
		},
		Conflicts:   make([]slotResponse, 0, len(result.Conflicts)),
		Suggestions: make([]slotResponse, 0, len(result.Suggestions)),
	}
	for _, conflict := range result.Conflicts {
		resp.Conflicts = append(resp.Conflicts, slotResponse{
			Start: conflict.Start.Format(time.RFC3339),
			End:   conflict.End.Format(time.RFC3339),
		})
	}
	for _, slot := range result.Suggestions {
		resp.Suggestions = append(resp.Suggestions, slotResponse{
			Start: slot.Start.Format(time.RFC3339),
			End:   slot.End.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, resp)
}
