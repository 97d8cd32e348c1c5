package build

import (
	"bytes"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GinLoggingMiddleware returns a middleware that logs incoming requests with
// Logrus. Request bodies are logged at trace level, except for paths in
// blacklist (webhook bodies, admin login).
func GinLoggingMiddleware(logger *logrus.Logger, blacklist []string) gin.HandlerFunc {
	blacklisted := make(map[string]struct{})
	for _, elem := range blacklist {
		blacklisted[elem] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		withFields := logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   path,
			"ip":     c.ClientIP(),
		})

		var bodyBytes []byte
		if _, found := blacklisted[path]; !found {
			// we don't check the error here, as we later check for 0 length anyways
			bodyBytes, _ = io.ReadAll(c.Request.Body)
			// restore the original buffer so it can be read later
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		} else {
			bodyBytes = []byte("not logged")
		}

		if c.Request.URL != nil {
			query := c.Request.URL.Query()
			if len(query) > 0 {
				withFields = withFields.WithField("query", query)
			}
		}

		if len(bodyBytes) != 0 {
			withFields = withFields.WithField("body", string(bodyBytes))
		}

		c.Next()

		withFields = withFields.WithField("status", c.Writer.Status())

		privateErrors := c.Errors.ByType(gin.ErrorTypePrivate)
		if len(privateErrors) > 0 {
			withFields = withFields.WithField("privateErrors", privateErrors)
		}
		publicErrors := c.Errors.ByType(gin.ErrorTypePublic)
		if len(publicErrors) > 0 {
			withFields = withFields.WithField("publicErrors", publicErrors)
		}
		bindingErrors := c.Errors.ByType(gin.ErrorTypeBind)
		if len(bindingErrors) > 0 {
			withFields = withFields.WithField("bindingErrors", bindingErrors)
		}

		withFields = withFields.WithField("latency", time.Since(start))

		if len(c.Errors) > 0 {
			withFields.Warn("Got request with errors")
		} else {
			withFields.Debug("Got request")
		}
	}
}
