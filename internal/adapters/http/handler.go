package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse-builder/internal/core/domain"
	"github.com/melih/lighthouse-builder/internal/core/ports"
)

type ContainerHandler struct {
	service ports.ContainerService
	// port is published for containers started without an explicit port.
	port int
}

func NewContainerHandler(service ports.ContainerService, defaultPort int) *ContainerHandler {
	return &ContainerHandler{service: service, port: defaultPort}
}

func (h *ContainerHandler) ListContainers(c *fiber.Ctx) error {
	containers, err := h.service.ListContainers(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(containers)
}

type StartContainerRequest struct {
	Image string            `json:"image"`
	Name  string            `json:"name"`
	Env   map[string]string `json:"env"`
	Port  int               `json:"port"`
}

func (h *ContainerHandler) StartContainer(c *fiber.Ctx) error {
	var req StartContainerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Image == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Image name is required",
		})
	}
	if req.Port == 0 {
		req.Port = h.port
	}

	spec := domain.RunSpec{Image: req.Image, Name: req.Name, Env: req.Env, Port: req.Port}
	containerID, err := h.service.StartContainer(c.Context(), spec)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	resp := fiber.Map{
		"id":    containerID,
		"image": req.Image,
	}
	if addr, err := h.service.HostAddress(c.Context(), containerID, req.Port); err == nil {
		resp["address"] = addr
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (h *ContainerHandler) StopContainer(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Container ID is required",
		})
	}

	if err := h.service.StopContainer(c.Context(), id); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if err := h.service.RemoveContainer(c.Context(), id); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.SendStatus(fiber.StatusOK)
}

func (h *ContainerHandler) GetContainerLogs(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Container ID is required",
		})
	}

	logs, err := h.service.GetContainerLogs(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	// SendStream closes the reader once the body is written.
	c.Set("Content-Type", "text/plain")
	return c.SendStream(logs)
}
