package http

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse-builder/internal/core/domain"
	"github.com/melih/lighthouse-builder/internal/core/services"
	"github.com/melih/lighthouse-builder/internal/plan"
)

// BuildRunner queues and reports builds.
type BuildRunner interface {
	Submit(ctx context.Context, req domain.BuildRequest) (*domain.Build, error)
	Get(id string) (*domain.Build, error)
	List() ([]*domain.Build, error)
}

// ImageVerifier checks images against the contract.
type ImageVerifier interface {
	CheckConfig(ctx context.Context, image string, c domain.Contract) (*services.ConfigReport, error)
	CheckEntrypoint(ctx context.Context, image string, c domain.Contract, timeout time.Duration) (*services.EntrypointReport, error)
}

type BuildHandler struct {
	builds   BuildRunner
	verifier ImageVerifier
	contract domain.Contract
	timeout  time.Duration
}

func NewBuildHandler(builds BuildRunner, verifier ImageVerifier, contract domain.Contract, verifyTimeout time.Duration) *BuildHandler {
	return &BuildHandler{builds: builds, verifier: verifier, contract: contract, timeout: verifyTimeout}
}

type CreateBuildRequest struct {
	RepoURL string `json:"repo_url"`
	Ref     string `json:"ref"`
	Path    string `json:"path"`
	Tag     string `json:"tag"`
	NoCache bool   `json:"no_cache"`
}

func (h *BuildHandler) CreateBuild(c *fiber.Ctx) error {
	var req CreateBuildRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.RepoURL == "" && req.Path == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Repo URL or path is required",
		})
	}

	build, err := h.builds.Submit(c.Context(), domain.BuildRequest{
		Contract: h.contract,
		Source:   domain.Source{Path: req.Path, RepoURL: req.RepoURL, Ref: req.Ref},
		Tag:      req.Tag,
		NoCache:  req.NoCache,
	})
	if errors.Is(err, domain.ErrInvalidContract) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	c.Location("/api/v1/builds/" + build.ID)
	return c.Status(fiber.StatusAccepted).JSON(build)
}

func (h *BuildHandler) GetBuild(c *fiber.Ctx) error {
	build, err := h.builds.Get(c.Params("id"))
	if errors.Is(err, domain.ErrBuildNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(build)
}

func (h *BuildHandler) ListBuilds(c *fiber.Ctx) error {
	builds, err := h.builds.List()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(builds)
}

func (h *BuildHandler) GetContract(c *fiber.Ctx) error {
	return c.JSON(h.contract)
}

func (h *BuildHandler) GetDockerfile(c *fiber.Ctx) error {
	p, err := plan.New(h.contract)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	c.Set("Content-Type", "text/plain")
	return c.SendString(p.Dockerfile())
}

type VerifyRequest struct {
	Image string `json:"image"`
}

func (h *BuildHandler) VerifyConfig(c *fiber.Ctx) error {
	var req VerifyRequest
	if err := c.BodyParser(&req); err != nil || req.Image == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Image name is required",
		})
	}
	report, err := h.verifier.CheckConfig(c.Context(), req.Image, h.contract)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(report)
}

func (h *BuildHandler) VerifyEntrypoint(c *fiber.Ctx) error {
	var req VerifyRequest
	if err := c.BodyParser(&req); err != nil || req.Image == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Image name is required",
		})
	}
	// Note: blocks until the container listens, exits or the timeout passes.
	report, err := h.verifier.CheckEntrypoint(c.Context(), req.Image, h.contract, h.timeout)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(report)
}
