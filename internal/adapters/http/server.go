package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Handlers are the route groups served by NewApp.
type Handlers struct {
	Containers *ContainerHandler
	Builds     *BuildHandler
	// Proxy is optional.
	Proxy *ProxyHandler
}

// NewApp wires routes onto a fiber app.
func NewApp(h Handlers) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
	})
	app.Use(requestLogger)
	if h.Proxy != nil {
		app.Use(h.Proxy.ProxyRequest)
	}

	api := app.Group("/api")
	v1 := api.Group("/v1")

	builds := v1.Group("/builds")
	builds.Get("/", h.Builds.ListBuilds)
	builds.Post("/", h.Builds.CreateBuild)
	builds.Get("/:id", h.Builds.GetBuild)

	contract := v1.Group("/contract")
	contract.Get("/", h.Builds.GetContract)
	contract.Get("/dockerfile", h.Builds.GetDockerfile)

	verify := v1.Group("/verify")
	verify.Post("/config", h.Builds.VerifyConfig)
	verify.Post("/entrypoint", h.Builds.VerifyEntrypoint)

	// Routes for Container operations
	containers := v1.Group("/containers")
	containers.Get("/", h.Containers.ListContainers)
	containers.Post("/", h.Containers.StartContainer)
	containers.Delete("/:id", h.Containers.StopContainer)
	containers.Get("/:id/logs", h.Containers.GetContainerLogs)

	return app
}

func requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	log.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", c.Response().StatusCode()).
		Dur("duration", time.Since(start)).
		Msg("Request")
	return err
}
