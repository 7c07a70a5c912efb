package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	bookingdomain "github.com/smallbiznis/slotbook/internal/booking/domain"
)

const headerIdempotencyKey = "Idempotency-Key"

type cancelBookingRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) ReserveBooking(c *gin.Context) {
	var req bookingdomain.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.IdempotencyKey = strings.TrimSpace(c.GetHeader(headerIdempotencyKey))

	booking, err := s.bookingSvc.ReserveWithRetry(c.Request.Context(), tenantIDFromContext(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": booking})
}

func (s *Server) GetBooking(c *gin.Context) {
	bookingID, err := parseBookingID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	booking, err := s.bookingSvc.Get(c.Request.Context(), tenantIDFromContext(c), bookingID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": booking})
}

func (s *Server) CancelBooking(c *gin.Context) {
	bookingID, err := parseBookingID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req cancelBookingRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	booking, err := s.bookingSvc.Cancel(c.Request.Context(), tenantIDFromContext(c), bookingID, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": booking})
}

func parseBookingID(c *gin.Context) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("booking_id")))
	if err != nil || id <= 0 {
		return 0, newValidationError("booking_id", "invalid_booking_id", "invalid booking_id")
	}
	return id, nil
}
