package main

import (
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"time"

	"gitea.icts.kuleuven.be/hpc/forwarded/consulkvipset"
	"github.com/gorilla/securecookie"
	consul "github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-hclog"
	echo "github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// CookieName is the name of the securecookie carrying a token payload
const CookieName = "forwarded"

// A ServerConfig object represents all server parameters
type ServerConfig struct {
	Listen         string
	ConsulURL      string
	ConsulToken    string
	ConsulPath     string
	HashKey        string
	BlockKey       string
	Domain         string
	TrustedProxies []string
	LogLevel       string
}

// A Server object represents the forwarded service
type Server struct {
	ServerConfig
	Logger       hclog.Logger
	Store        *consulkvipset.Store
	Trusted      []netip.Prefix
	RateLimit    *rate.Limiter
	HashKey      []byte
	BlockKey     []byte
	SecureCookie *securecookie.SecureCookie
	Metrics      *Metrics
}

// NewServer creates a new server talking to consul
func NewServer(config ServerConfig) (*Server, error) {
	consulConfig := consul.DefaultConfig()
	if config.ConsulURL != "" {
		consulConfig.Address = config.ConsulURL
	}
	if config.ConsulToken != "" {
		consulConfig.Token = config.ConsulToken
	}

	consulClient, err := consul.NewClient(consulConfig)
	if err != nil {
		return nil, errors.Wrap(err, "could not create consul client")
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "forwarded",
		Level:  hclog.LevelFromString(config.LogLevel),
		Output: os.Stderr,
	})

	return newServer(config, consulClient.KV(), logger)
}

func newServer(config ServerConfig, kv consulkvipset.KV, logger hclog.Logger) (*Server, error) {
	// Hash and block keys
	hashKeyBytes := []byte(config.HashKey)
	if len(hashKeyBytes) < 32 {
		return nil, fmt.Errorf("hash key should be at least 32 bytes long, got %d", len(hashKeyBytes))
	}

	var blockKeyBytes []byte
	if config.BlockKey != "" {
		blockKeyBytes = []byte(config.BlockKey)
		if len(blockKeyBytes) != 16 && len(blockKeyBytes) != 32 {
			return nil, fmt.Errorf("block key should be 16 or 32 bytes long, got %d", len(blockKeyBytes))
		}
	}

	trusted, err := parseTrustedProxies(config.TrustedProxies)
	if err != nil {
		return nil, err
	}

	if config.ConsulPath == "" {
		return nil, errors.New("consul path should not be empty")
	}

	return &Server{
		ServerConfig: config,
		Logger:       logger,
		Store:        consulkvipset.NewStore(kv, config.ConsulPath, logger.Named("consul")),
		Trusted:      trusted,
		RateLimit:    rate.NewLimiter(rate.Every(250*time.Millisecond), 500),
		HashKey:      hashKeyBytes,
		BlockKey:     blockKeyBytes,
		SecureCookie: securecookie.New(hashKeyBytes, blockKeyBytes),
		Metrics:      NewMetrics(),
	}, nil
}

// A CookiePayload represents the value of a secure cookie or authorization token
type CookiePayload struct {
	Admin bool   `json:"admin"`
	Label string `json:"label"`
}

// LogAdminPass logs an administrative password
func (s *Server) LogAdminPass() error {
	encoded, err := s.SecureCookie.Encode(CookieName, &CookiePayload{Admin: true})
	if err != nil {
		return err
	}

	s.Logger.Info("admin token generated", "token", encoded)

	return nil
}

// Echo builds the web server with all routes
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	if s.Domain != "" {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     []string{fmt.Sprintf("https://%s", s.Domain)},
			AllowCredentials: true,
		}))
	}

	e.GET("/metrics", echo.WrapHandler(s.Metrics.Handler()))
	e.GET("/verify", s.handleVerify)

	e.GET("/", s.handleWhoami, s.forwardedMiddleware)
	e.GET("/endpoint", s.handleEndpoint, s.forwardedMiddleware)
	e.GET("/list", s.handleList)
	e.GET("/ipset", s.handleIpset)
	e.POST("/token", s.handleToken)

	return e
}

// Run the server
func (s *Server) Run() error {
	s.Logger.Info("listening", "address", s.Listen)

	err := s.Echo().Start(s.Listen)
	if err == http.ErrServerClosed {
		return nil
	}

	return err
}

func (s *Server) checkAuthenticated(c echo.Context) *CookiePayload {
	var payload *CookiePayload

	// Read cookie
	if cookie, err := c.Cookie(CookieName); err == nil {
		payload = &CookiePayload{}

		if err = s.SecureCookie.Decode(CookieName, cookie.Value, payload); err != nil {
			s.Logger.Debug("decoding cookie resulted in error", "error", err)

			payload = nil
		}
	}

	// Read authorization
	if reqToken := c.Request().Header.Get("Authorization"); reqToken != "" {
		payload = &CookiePayload{}

		if err := s.SecureCookie.Decode(CookieName, reqToken, payload); err != nil {
			s.Logger.Debug("decoding authorization header resulted in error", "error", err)

			payload = nil
		}
	}

	return payload
}

// An ErrorResponse is returned for requests that cannot be served
type ErrorResponse struct {
	Message string `json:"message"`
}
