package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/palauth/palauth/iam"
)

// clientAuth authenticates the IAM sub-API: the client named in the path
// must present its secret.
func (h *Handler) clientAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		client, perr := h.authenticateClient(c, c.Param("clientId"))
		if perr != nil {
			return protocolErrorJSON(c, http.StatusUnauthorized, perr)
		}
		c.Set("iam", iam.NewController(client.ID, h.repo))
		return next(c)
	}
}

func iamFrom(c echo.Context) *iam.Controller {
	return c.Get("iam").(*iam.Controller)
}

func (h *Handler) registerIAMRoutes(g *echo.Group) {
	g.GET("/roles", h.handleIAMListRoles)
	g.POST("/roles", h.handleIAMCreateRole)
	g.GET("/check", h.handleIAMCheckPermission)
	g.PUT("/roles/assignment", h.handleIAMAssignRole)
	g.DELETE("/roles/assignment", h.handleIAMRemoveRole)

	g.POST("/resources", h.handleIAMRegisterResource)
	g.DELETE("/resources", h.handleIAMDeleteResource)
	g.GET("/resources/check", h.handleIAMCheckResource)
	g.PUT("/resources/grant", h.handleIAMGrant)
	g.DELETE("/resources/grant", h.handleIAMRevoke)
}

type roleView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *Handler) handleIAMListRoles(c echo.Context) error {
	roles, err := iamFrom(c).ListRoles(c.Request().Context())
	if err != nil {
		return h.serverError(c, err)
	}

	views := make([]roleView, 0, len(roles))
	for _, r := range roles {
		views = append(views, roleView{ID: r.ID, Name: r.Name})
	}
	return c.JSON(http.StatusOK, echo.Map{"roles": views})
}

func (h *Handler) handleIAMCreateRole(c echo.Context) error {
	var body struct {
		Name        string   `json:"name"`
		Permissions []string `json:"permissions"`
	}
	if err := c.Bind(&body); err != nil || body.Name == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "name is required"})
	}

	role, err := iamFrom(c).CreateRole(c.Request().Context(), body.Name, body.Permissions)
	if err != nil {
		return h.serverError(c, err)
	}
	return c.JSON(http.StatusCreated, roleView{ID: role.ID, Name: role.Name})
}

func (h *Handler) handleIAMCheckPermission(c echo.Context) error {
	ctx := c.Request().Context()

	userID := c.QueryParam("user_id")
	permission := c.QueryParam("permission")
	if userID == "" || permission == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id and permission are required"})
	}

	allowed, err := iamFrom(c).CheckPermission(ctx, userID, permission)
	if err != nil {
		return h.serverError(c, err)
	}
	h.metrics.RecordIAMCheck(ctx, "permission", allowed)
	return c.JSON(http.StatusOK, echo.Map{"allowed": allowed})
}

type roleAssignmentBody struct {
	UserID   string `json:"user_id"`
	RoleID   string `json:"role_id"`
	RoleName string `json:"role_name"`
}

func (b roleAssignmentBody) ref() iam.RoleRef {
	return iam.RoleRef{ID: b.RoleID, Name: b.RoleName}
}

func (h *Handler) handleIAMAssignRole(c echo.Context) error {
	var body roleAssignmentBody
	if err := c.Bind(&body); err != nil || body.UserID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id and a role reference are required"})
	}

	if err := iamFrom(c).AssignRole(c.Request().Context(), body.UserID, body.ref()); err != nil {
		if errors.Is(err, iam.ErrRoleNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "role not found"})
		}
		return h.serverError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) handleIAMRemoveRole(c echo.Context) error {
	var body roleAssignmentBody
	if err := c.Bind(&body); err != nil || body.UserID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id and a role reference are required"})
	}

	if err := iamFrom(c).RemoveRole(c.Request().Context(), body.UserID, body.ref()); err != nil {
		if errors.Is(err, iam.ErrRoleNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "role not found"})
		}
		return h.serverError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type resourceBody struct {
	UserID     string `json:"user_id,omitempty"`
	ScopePath  string `json:"scope_path"`
	ResourceID string `json:"resource_id"`
}

func (h *Handler) handleIAMRegisterResource(c echo.Context) error {
	var body resourceBody
	if err := c.Bind(&body); err != nil || body.ScopePath == "" || body.ResourceID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "scope_path and resource_id are required"})
	}

	if err := iamFrom(c).RegisterResource(c.Request().Context(), body.ScopePath, body.ResourceID); err != nil {
		return h.serverError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) handleIAMDeleteResource(c echo.Context) error {
	var body resourceBody
	if err := c.Bind(&body); err != nil || body.ScopePath == "" || body.ResourceID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "scope_path and resource_id are required"})
	}

	if err := iamFrom(c).DeleteResource(c.Request().Context(), body.ScopePath, body.ResourceID); err != nil {
		if errors.Is(err, iam.ErrResourceNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "resource not found"})
		}
		return h.serverError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) handleIAMCheckResource(c echo.Context) error {
	ctx := c.Request().Context()

	userID := c.QueryParam("user_id")
	scopePath := c.QueryParam("scope_path")
	resourceID := c.QueryParam("resource_id")
	if userID == "" || scopePath == "" || resourceID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id, scope_path, and resource_id are required"})
	}

	allowed, err := iamFrom(c).CheckResource(ctx, userID, scopePath, resourceID)
	if err != nil {
		return h.serverError(c, err)
	}
	h.metrics.RecordIAMCheck(ctx, "resource", allowed)
	return c.JSON(http.StatusOK, echo.Map{"allowed": allowed})
}

func (h *Handler) handleIAMGrant(c echo.Context) error {
	var body resourceBody
	if err := c.Bind(&body); err != nil || body.UserID == "" || body.ScopePath == "" || body.ResourceID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id, scope_path, and resource_id are required"})
	}

	if err := iamFrom(c).Grant(c.Request().Context(), body.UserID, body.ScopePath, body.ResourceID); err != nil {
		if errors.Is(err, iam.ErrResourceNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "resource not found"})
		}
		return h.serverError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) handleIAMRevoke(c echo.Context) error {
	var body resourceBody
	if err := c.Bind(&body); err != nil || body.UserID == "" || body.ScopePath == "" || body.ResourceID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id, scope_path, and resource_id are required"})
	}

	if err := iamFrom(c).Revoke(c.Request().Context(), body.UserID, body.ScopePath, body.ResourceID); err != nil {
		switch {
		case errors.Is(err, iam.ErrResourceNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "resource not found"})
		case errors.Is(err, iam.ErrGrantNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "grant not found"})
		default:
			return h.serverError(c, err)
		}
	}
	return c.NoContent(http.StatusNoContent)
}
