package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/convertful/integrations/internal/driver"
)

// Authorizer is implemented by drivers that send the user to the
// provider's consent screen.
type Authorizer interface {
	AuthorizeURL(state string) string
}

// handleAuthorize returns the consent URL of an OAuth driver.
func (s *Server) handleAuthorize(c *gin.Context) {
	d, err := s.registry.New(c.Param("name"))
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	auth, ok := d.(Authorizer)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "driver " + c.Param("name") + " does not use OAuth authorization",
			Code:    http.StatusNotFound,
		})
		return
	}
	state := c.Query("state")
	if state == "" {
		state = uuid.NewString()
	}
	c.JSON(http.StatusOK, gin.H{"url": auth.AuthorizeURL(state), "state": state})
}

// handleOAuthCallback turns the provider redirect into the credentials a
// check or integration request expects.
func (s *Server) handleOAuthCallback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		msg := c.Query("error_description")
		if msg == "" {
			msg = c.DefaultQuery("error", "authorization code is missing")
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "oauth_denied",
			Message: msg,
			Code:    http.StatusBadRequest,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"driver": c.Param("name"),
		"state":  c.Query("state"),
		"credentials": gin.H{
			driver.OAuthField: gin.H{"code": code},
		},
	})
}
