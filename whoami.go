package main

import (
	"net/http"
	"net/netip"

	"gitea.icts.kuleuven.be/hpc/forwarded/forwarded"
	echo "github.com/labstack/echo/v4"
)

const requestInfoKey = "forwarded.request"

// RequestInfo is what the forwarded middleware learns about a request. Addr
// is only taken from forwarding headers sent by a trusted proxy, Reported
// may come from any peer's headers and must not be used for access control.
type RequestInfo struct {
	Header         forwarded.Header
	Present        bool
	Addr           netip.Addr
	Source         string
	Reported       netip.Addr
	ReportedSource string
}

func (s *Server) forwardedMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		h, present, err := forwarded.FromHeader(req.Header)
		if err != nil {
			s.Metrics.headers.WithLabelValues("invalid").Inc()
			s.Logger.Debug("rejecting forwarded header", "remote", req.RemoteAddr, "error", err)

			return c.JSON(http.StatusBadRequest, &ErrorResponse{Message: err.Error()})
		}

		if present {
			s.Metrics.headers.WithLabelValues("parsed").Inc()
		} else {
			s.Metrics.headers.WithLabelValues("absent").Inc()
		}

		entries, addrs := len(h.For()), len(h.ForAddrs())
		s.Metrics.forEntries.WithLabelValues("address").Add(float64(addrs))
		s.Metrics.forEntries.WithLabelValues("dropped").Add(float64(entries - addrs))

		addr, source := clientAddr(req, h, s.Trusted)
		s.Metrics.sources.WithLabelValues(source).Inc()

		reported, reportedSource := reportedAddr(req, h, s.Trusted)

		c.Set(requestInfoKey, &RequestInfo{
			Header:         h,
			Present:        present,
			Addr:           addr,
			Source:         source,
			Reported:       reported,
			ReportedSource: reportedSource,
		})

		return next(c)
	}
}

func requestInfo(c echo.Context) *RequestInfo {
	if info, ok := c.Get(requestInfoKey).(*RequestInfo); ok {
		return info
	}

	return &RequestInfo{}
}

// A WhoamiResponse describes how the client address of a request was resolved
type WhoamiResponse struct {
	Forwarded *forwarded.Header `json:"forwarded,omitempty"`
	Addresses []netip.Addr      `json:"addresses"`
	IP        string            `json:"ip"`
	Source    string            `json:"source"`
}

func (s *Server) handleWhoami(c echo.Context) error {
	info := requestInfo(c)

	r := &WhoamiResponse{
		Addresses: info.Header.ForAddrs(),
		Source:    info.ReportedSource,
	}

	if info.Present {
		r.Forwarded = &info.Header
	}

	if info.Reported.IsValid() {
		r.IP = info.Reported.String()
	}

	return c.JSON(http.StatusOK, r)
}
