package server

import (
	"crypto/subtle"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/slotbook/internal/observability/context"
	tenantsvc "github.com/smallbiznis/slotbook/internal/tenant/service"
	"github.com/smallbiznis/slotbook/pkg/tenantctx"
)

const contextTenantIDKey = "tenant_id"

// TenantRequired resolves the tenant from the route. The tenant is never inferred
// from the body or headers.
func (s *Server) TenantRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := tenantsvc.ParseTenantID(c.Param("tenant_id"))
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := tenantctx.WithTenantID(c.Request.Context(), tenantID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextTenantIDKey, tenantID)
		c.Next()
	}
}

// AdminRequired checks the bearer token against the configured admin token.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(s.cfg.AdminToken)
		if expected == "" {
			AbortWithError(c, ErrForbidden)
			return
		}

		parts := strings.Fields(c.GetHeader("Authorization"))
		if len(parts) != 2 || parts[0] != "Bearer" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), "admin", "api_token"))
		c.Next()
	}
}

func tenantIDFromContext(c *gin.Context) snowflake.ID {
	value, ok := c.Get(contextTenantIDKey)
	if !ok {
		return 0
	}
	id, _ := value.(snowflake.ID)
	return id
}
