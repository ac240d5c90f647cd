package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	paymentprovider "github.com/casefile-ai/casefile/internal/providers/payment"
)

type creditBatchView struct {
	Remaining int64   `json:"remaining"`
	Source    string  `json:"source"`
	ExpiresAt *string `json:"expiresAt"`
}

func (s *Server) GetCreditBalance(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	batches, err := s.ledgerSvc.ListActiveBatches(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var balance int64
	views := make([]creditBatchView, 0, len(batches))
	for _, b := range batches {
		balance += b.AmountRemaining
		view := creditBatchView{
			Remaining: b.AmountRemaining,
			Source:    string(b.Source),
		}
		if b.ExpiresAt != nil {
			expires := b.ExpiresAt.UTC().Format(time.RFC3339)
			view.ExpiresAt = &expires
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{
		"balance": balance,
		"batches": views,
	})
}

func (s *Server) ListCreditPackages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packages": s.billing.Current().Packages})
}

type createCheckoutRequest struct {
	PackageID string `json:"packageId"`
}

func (s *Server) CreateCheckout(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	pkg, ok := s.billing.Package(strings.TrimSpace(req.PackageID))
	if !ok {
		AbortWithError(c, ErrNotFound)
		return
	}

	session, err := s.paymentProvider.CreateCheckoutSession(c.Request.Context(), paymentprovider.CheckoutRequest{
		UserID:     userID,
		PackageID:  pkg.ID,
		Credits:    pkg.Credits,
		UnitAmount: pkg.UnitAmount,
		Currency:   pkg.Currency,
		Name:       pkg.Name,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": session.ID,
		"url":       session.URL,
	})
}
