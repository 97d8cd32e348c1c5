package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gitlab.com/satstall/satstall/build"
)

// health reports whether the pieces the shop depends on are reachable. The
// DB is the only hard dependency; a dead relay mesh degrades but does not
// fail the check.
func (r *RestServer) health() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		dbOK := true
		if err := r.database.Ping(); err != nil {
			log.WithError(err).Error("Health check could not ping DB")
			dbOK = false
			status = http.StatusServiceUnavailable
		}

		relays := 0
		if r.pool != nil {
			relays = r.pool.Connected()
		}

		c.JSON(status, gin.H{
			"db": dbOK,
			"provider": gin.H{
				"name":         r.driver.Name(),
				"capabilities": r.driver.Capabilities(),
			},
			"relaysConnected": relays,
			"version":         build.Version(),
		})
	}
}
