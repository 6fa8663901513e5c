package main

import (
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v4"
)

// An EndpointResponse serves as structure for endpoint responses
type EndpointResponse struct {
	NeedsRefresh bool   `json:"needs_refresh"`
	Message      string `json:"message"`
	IP           string `json:"ip,omitempty"`
	Source       string `json:"source,omitempty"`
	Token        string `json:"token,omitempty"`
}

func (s *Server) handleEndpoint(c echo.Context) error {
	payload := s.checkAuthenticated(c)

	if payload != nil && payload.Label != "" {
		return s.handleEndpointAuthenticated(c, payload)
	}

	r := &EndpointResponse{
		NeedsRefresh: true,
		Message:      "Not authenticated, please request a new token",
	}

	return c.JSON(http.StatusUnauthorized, r)
}

func (s *Server) handleEndpointAuthenticated(c echo.Context, payload *CookiePayload) error {
	info := requestInfo(c)

	if !info.Addr.IsValid() {
		return c.JSON(http.StatusBadRequest, &EndpointResponse{
			Message: "Could not determine client address",
		})
	}

	a, err := s.Store.Add(payload.Label, info.Addr, info.Header)
	if err != nil {
		return fmt.Errorf("could not add ip to consul kv store: %s", err)
	}

	s.Logger.Info("address registered", "label", payload.Label, "ip", info.Addr, "source", info.Source)

	claim := AddressClaim{
		IP:     info.Addr.String(),
		Source: info.Source,
		Label:  payload.Label,
		Proto:  a.Proto,
		Host:   a.Host,
	}

	token, err := s.NewAddressToken(claim)
	if err != nil {
		return err
	}

	// Return response
	r := &EndpointResponse{
		IP:      info.Addr.String(),
		Source:  info.Source,
		Token:   token,
		Message: fmt.Sprintf("IP is granted access since %s [valid until %s]", a.Since.Format("2006-01-02 15:04:05"), a.Expiration.Format("15:04:05")),
	}

	return c.JSON(http.StatusOK, r)
}
