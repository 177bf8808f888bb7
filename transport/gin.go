package transport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterGin mounts the service on a gin router.
func RegisterGin(r gin.IRouter, svc *Service) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/inbound/chat", func(c *gin.Context) {
		var req ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ack, err := svc.Chat(c.Request.Context(), req)
		respondGin(c, ack, err)
	})
	r.POST("/inbound/commit", func(c *gin.Context) {
		var req CommitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ack, err := svc.Commit(c.Request.Context(), req)
		respondGin(c, ack, err)
	})
	r.POST("/inbound/reject", func(c *gin.Context) {
		var req RejectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ack, err := svc.Reject(c.Request.Context(), req)
		respondGin(c, ack, err)
	})
}

func respondGin(c *gin.Context, ack Ack, err error) {
	if err != nil {
		if errors.Is(err, ErrBadRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, ack)
}
