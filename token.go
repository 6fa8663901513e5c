package main

import (
	"net/http"
	"regexp"
	"time"

	"github.com/dgrijalva/jwt-go"
	echo "github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// AddressTokenTimeout specifies how long an address token is valid
const AddressTokenTimeout = 5 * time.Minute

// Labels end up in consul keys
var labelPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// ErrInvalidToken error
var ErrInvalidToken = errors.New("invalid token")

// AddressClaim represents a jwt token attesting the client address of a registration
type AddressClaim struct {
	IP     string `json:"ip"`
	Source string `json:"source"`
	Label  string `json:"label"`
	Proto  string `json:"proto,omitempty"`
	Host   string `json:"host,omitempty"`
	jwt.StandardClaims
}

// NewAddressToken signs an address claim with the hash key
func (s *Server) NewAddressToken(claim AddressClaim) (string, error) {
	now := time.Now()

	claim.IssuedAt = now.Unix()
	claim.ExpiresAt = now.Add(AddressTokenTimeout).Unix()
	claim.Issuer = s.Domain

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claim)

	return token.SignedString(s.HashKey)
}

// ParseAddressToken parses and validates an address token
func (s *Server) ParseAddressToken(tknStr string) (*AddressClaim, error) {
	claims := &AddressClaim{}

	tkn, err := jwt.ParseWithClaims(tknStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}

		return s.HashKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !tkn.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// JwtError handles a jwt error nicely
func JwtError(c echo.Context, err error) error {
	response := &ErrorResponse{
		Message: err.Error(),
	}

	if verr, ok := err.(*jwt.ValidationError); ok && verr.Errors&jwt.ValidationErrorMalformed != 0 {
		return c.JSON(http.StatusBadRequest, response)
	}

	return c.JSON(http.StatusUnauthorized, response)
}

func (s *Server) handleVerify(c echo.Context) error {
	tknStr := c.QueryParam("token")
	if tknStr == "" {
		return c.JSON(http.StatusBadRequest, &ErrorResponse{Message: "missing token"})
	}

	claims, err := s.ParseAddressToken(tknStr)
	if err != nil {
		return JwtError(c, err)
	}

	return c.JSON(http.StatusOK, claims)
}

// A LabelTokenResponse carries a token that registers addresses under a label
type LabelTokenResponse struct {
	Label string `json:"label"`
	Token string `json:"token"`
}

func (s *Server) handleToken(c echo.Context) error {
	payload := s.checkAuthenticated(c)
	if payload == nil || !payload.Admin {
		return c.JSON(http.StatusUnauthorized, &ErrorResponse{Message: "admin token required"})
	}

	label := c.FormValue("label")
	if !labelPattern.MatchString(label) {
		return c.JSON(http.StatusBadRequest, &ErrorResponse{Message: "invalid label"})
	}

	encoded, err := s.SecureCookie.Encode(CookieName, &CookiePayload{Label: label})
	if err != nil {
		return err
	}

	s.Logger.Info("label token issued", "label", label)

	return c.JSON(http.StatusOK, &LabelTokenResponse{
		Label: label,
		Token: encoded,
	})
}
