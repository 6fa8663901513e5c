package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gitea.icts.kuleuven.be/hpc/forwarded/consulkvipset"
	echo "github.com/labstack/echo/v4"
)

// An ListResponse serves as structure for list responses
type ListResponse struct {
	NeedsRefresh bool      `json:"needs_refresh"`
	IPs          []*ListIP `json:"records"`
	LastIndex    uint64    `json:"last_index"`
}

// A ListIP represents a single ip
type ListIP struct {
	IP       string `json:"ip"`
	Since    string `json:"since"`
	Until    string `json:"until"`
	Lifetime uint   `json:"lifetime"`
	Proto    string `json:"proto,omitempty"`
	Host     string `json:"host,omitempty"`
	Message  string `json:"message"`
}

func (s *Server) handleList(c echo.Context) error {
	payload := s.checkAuthenticated(c)

	if payload != nil && payload.Label != "" {
		return s.handleListAuthenticated(c, payload)
	}

	return c.JSON(http.StatusUnauthorized, &ListResponse{
		NeedsRefresh: true,
	})
}

func (s *Server) handleListAuthenticated(c echo.Context, payload *CookiePayload) error {
	var (
		givenIndex = c.FormValue("index")
		index      uint64
		addresses  []*consulkvipset.Address
		now        time.Time
		err        error
	)

	// Parse index
	if givenIndex != "" {
		index, err = strconv.ParseUint(givenIndex, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, &ErrorResponse{Message: "invalid index"})
		}
	}

	addresses, now, index, err = s.Store.Addresses(payload.Label, index)
	if err != nil {
		return err
	}

	r := &ListResponse{
		IPs:       []*ListIP{},
		LastIndex: index,
	}

	for _, a := range addresses {
		r.IPs = append(r.IPs, &ListIP{
			IP:       a.Addr.String(),
			Since:    a.Since.Format("2006-01-02 15:04:05"),
			Until:    a.Expiration.Format("15:04:05"),
			Lifetime: uint(a.Expiration.Sub(now).Seconds()),
			Proto:    a.Proto,
			Host:     a.Host,
			Message:  fmt.Sprintf("IP is granted access since %s [valid until %s]", a.Since.Format("2006-01-02 15:04:05"), a.Expiration.Format("15:04:05")),
		})
	}

	return c.JSON(http.StatusOK, r)
}
