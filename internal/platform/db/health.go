package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Liveness reports whether a background worker is still making progress.
type Liveness interface {
	Alive() bool
}

// HealthHandler reports overall service health: the history datastore and
// the scheduler pool must answer a ping and the scheduler worker must be
// live. Extra liveness probes may be nil during partial startup (migrate
// subcommand, tests).
func HealthHandler(mongoDB *mongo.Database, pool *sqlx.DB, scheduler Liveness) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		checks := map[string]string{}
		healthy := true

		if err := mongoDB.Client().Ping(ctx, readpref.Primary()); err != nil {
			checks["mongo"] = err.Error()
			healthy = false
		} else {
			checks["mongo"] = "ok"
		}

		if err := pool.PingContext(ctx); err != nil {
			checks["mysql"] = err.Error()
			healthy = false
		} else {
			checks["mysql"] = "ok"
		}

		if scheduler != nil {
			if scheduler.Alive() {
				checks["scheduler"] = "ok"
			} else {
				checks["scheduler"] = "worker stalled"
				healthy = false
			}
		}

		if !healthy {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"checks": checks,
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"checks": checks,
		})
	}
}
