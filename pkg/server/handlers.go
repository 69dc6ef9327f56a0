package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/StricklySoft/stricklysoft-rolesync/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/resolver"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/role"
)

type handlers struct {
	svc     Resolver
	logger  *slog.Logger
	service string
	version string
}

// syncRoleRequest is the sync-role body. userId and subject are accepted
// from older clients and only compared against the verified subject.
type syncRoleRequest struct {
	Role    any    `json:"role"`
	UserID  string `json:"userId"`
	Subject string `json:"subject"`
}

// SyncRoleResponse is the sync-role success body.
type SyncRoleResponse struct {
	Success bool      `json:"success"`
	Role    role.Role `json:"role"`
}

// RoleStatusResponse is the role-status success body.
type RoleStatusResponse struct {
	Success bool            `json:"success"`
	Status  resolver.Status `json:"status"`
}

func (h *handlers) syncRole(c *fiber.Ctx) error {
	var body syncRoleRequest
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return sserr.Validation("request body must be a JSON object")
		}
	}

	requested, ok := body.Role.(string)
	if !ok && body.Role != nil {
		return sserr.InvalidRole(fmt.Sprint(body.Role))
	}
	claimed := body.Subject
	if claimed == "" {
		claimed = body.UserID
	}

	res, err := h.svc.Resolve(c.UserContext(), resolver.Request{
		Token:          bearerToken(c),
		Role:           requested,
		ClaimedSubject: claimed,
	})
	if err != nil {
		return err
	}
	return c.JSON(SyncRoleResponse{Success: true, Role: res.Role})
}

func (h *handlers) roleStatus(c *fiber.Ctx) error {
	st, err := h.svc.Status(c.UserContext(), bearerToken(c))
	if err != nil {
		return err
	}
	return c.JSON(RoleStatusResponse{Success: true, Status: st})
}

func (h *handlers) live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "alive",
		"service": h.service,
		"version": h.version,
	})
}

func (h *handlers) ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), defaultReadyTimeout)
	defer cancel()

	if err := h.svc.Ready(ctx); err != nil {
		h.logger.WarnContext(ctx, "server: readiness check failed", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Error: ErrorBody{Code: sserr.GetCode(err), Message: "service is not ready"},
		})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// bearerToken returns the Authorization bearer token, or "" so that the
// verifier reports the missing credential.
func bearerToken(c *fiber.Ctx) string {
	return auth.ExtractBearerToken(c.Get(fiber.HeaderAuthorization))
}
