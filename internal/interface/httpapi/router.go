package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter はルーティングを構成した gin エンジンを返す
func NewRouter(handler *ScopeHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		scopes := v1.Group("/scopes/:scopeID")
		scopes.POST("/sync", handler.Enqueue)
		scopes.GET("/status", handler.Status)
		scopes.GET("/jobs", handler.Jobs)
	}

	return router
}
