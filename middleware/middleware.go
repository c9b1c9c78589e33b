package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	C "insights/config"
	U "insights/util"
)

// scope constants.
const SCOPE_PROJECT = "projectId"

const HEADER_REQUEST_ID = "X-Request-Id"

// SetScopeProjectId - Request scope set from the project_id path param.
func SetScopeProjectId() gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID, err := strconv.ParseInt(c.Params.ByName("project_id"), 10, 64)
		if err != nil || projectID == 0 {
			errorMessage := "Invalid project id"
			log.WithFields(log.Fields{"error": errorMessage}).Error("Request failed with invalid project scope.")
			c.AbortWithStatusJSON(http.StatusBadRequest, map[string]string{"error": errorMessage})
			return
		}
		U.SetScope(c, SCOPE_PROJECT, projectID)

		c.Next()
	}
}

// CustomCors for customised cors configuration based on environment.
func CustomCors() gin.HandlerFunc {
	return func(c *gin.Context) {
		corsConfig := cors.DefaultConfig()
		if C.IsDevelopment() {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = []string{"https://" + c.Request.Host}
		}
		corsConfig.AddAllowHeaders("Authorization")
		cors.New(corsConfig)(c)
	}
}

// RequestIdGenerator Tags every request with an id for log correlation.
func RequestIdGenerator() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.Request.Header.Get(HEADER_REQUEST_ID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Writer.Header().Set(HEADER_REQUEST_ID, requestID)
		U.SetScope(c, "requestId", requestID)

		c.Next()
	}
}

// Logger Request access log with scope fields.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		log.WithFields(log.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"request_id": U.GetScopeByKeyAsString(c, "requestId"),
		}).Info("Processed request.")
	}
}

// Recovery Converts panics into a 500 with a logged stack.
func Recovery() gin.HandlerFunc {
	return gin.RecoveryWithWriter(log.StandardLogger().Writer())
}
