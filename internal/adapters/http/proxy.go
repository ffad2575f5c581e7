package http

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/rs/zerolog/log"

	"github.com/melih/lighthouse-builder/internal/core/ports"
)

// ProxyHandler manages reverse proxying for subdomains.
type ProxyHandler struct {
	service ports.ContainerService
	domain  string
	port    int
}

// NewProxyHandler creates a new proxy handler for <name>.<domain> hosts,
// forwarding to port on the matching container.
func NewProxyHandler(service ports.ContainerService, domain string, port int) *ProxyHandler {
	return &ProxyHandler{service: service, domain: strings.TrimPrefix(domain, "."), port: port}
}

// ProxyRequest intercepts requests to subdomains (e.g., app-name.localhost)
// and routes them to the corresponding container's internal IP.
func (h *ProxyHandler) ProxyRequest(c *fiber.Ctx) error {
	subdomain, ok := h.subdomain(c.Hostname())
	if !ok {
		return c.Next()
	}

	containers, err := h.service.ListContainers(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("Failed to list containers")
	}

	var targetIP string
	for _, container := range containers {
		// Only proxy to running containers
		if container.Name == subdomain && container.State == "running" {
			targetIP = container.IPAddress
			break
		}
	}
	if targetIP == "" {
		return c.Status(fiber.StatusNotFound).SendString(fmt.Sprintf("App '%s' not found or not running", subdomain))
	}

	remote, err := url.Parse("http://" + net.JoinHostPort(targetIP, strconv.Itoa(h.port)))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("Invalid target URL")
	}

	proxy := httputil.NewSingleHostReverseProxy(remote)
	// Rewrite Host so the application sees the address it listens on.
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = remote.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn().Err(err).Str("target", remote.Host).Msg("Proxy request failed")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(fmt.Sprintf("Proxy Info: target=%s error=%v", remote.Host, err)))
	}

	// Fiber <-> Net/HTTP Adaptor
	return adaptor.HTTPHandler(proxy)(c)
}

// subdomain returns the container name of a preview host.
func (h *ProxyHandler) subdomain(host string) (string, bool) {
	if h.domain == "" {
		return "", false
	}
	if hostname, _, err := net.SplitHostPort(host); err == nil {
		host = hostname
	}
	name, found := strings.CutSuffix(host, "."+h.domain)
	if !found || name == "" || name == "www" || strings.Contains(name, ".") {
		return "", false
	}
	return name, true
}
