package router

import (
	"github.com/cuongbtq/restyle-pipeline/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// Options configures optional surfaces of the router.
type Options struct {
	Auth           *Authenticator
	AllowedOrigins []string

	// AssetsDir is served under /assets when set.
	AssetsDir string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(opts.AllowedOrigins))

	r.GET("/health", handler.Health(deps))

	if opts.AssetsDir != "" {
		r.Static("/assets", opts.AssetsDir)
	}

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(opts.Auth, deps.Logger))
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a generation run
			jobs.POST("", jobHandler.SubmitJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Job projection
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		// GET /api/v1/status?jobId= - Job projection by query
		v1.GET("/status", jobHandler.GetStatus)

		// GET /api/v1/credits/balance - Spendable credits
		v1.GET("/credits/balance", jobHandler.GetBalance)
	}

	return r
}
