package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gitea.icts.kuleuven.be/hpc/forwarded/consulkvipset"
	echo "github.com/labstack/echo/v4"
)

func (s *Server) handleIpset(c echo.Context) error {
	payload := s.checkAuthenticated(c)

	if payload != nil && payload.Admin {
		return s.handleIpsetAuthenticated(c)
	}

	return c.JSON(http.StatusUnauthorized, nil)
}

func (s *Server) handleIpsetAuthenticated(c echo.Context) error {
	var (
		givenIndex = c.FormValue("index")
		result     []consulkvipset.IpsetEntry
		index      uint64
		err        error
	)

	// Parse index
	if givenIndex != "" {
		index, err = strconv.ParseUint(givenIndex, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, &ErrorResponse{Message: "invalid index"})
		}
	}

	// Rate limit
	ctx, cancel := context.WithTimeout(c.Request().Context(), 30*time.Second)
	defer cancel()

	if err = s.RateLimit.Wait(ctx); err != nil {
		s.Logger.Warn("ipset listing rate limited", "error", err)
		return c.JSON(http.StatusTooManyRequests, nil)
	}

	// List effective ips
	result, index, err = s.Store.ListEffectiveIPs(index)
	if err != nil {
		return err
	}

	// Send response
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSONCharsetUTF8)
	c.Response().Header().Set("X-Last-Index", fmt.Sprintf("%d", index))
	c.Response().WriteHeader(http.StatusOK)

	return json.NewEncoder(c.Response()).Encode(&result)
}
