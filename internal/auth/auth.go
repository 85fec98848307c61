package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/matandaelis/liveshop-settlement/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrInvalidRole        = errors.New("invalid role")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Test credentials
var (
	TestAPIKey    = "test-api-key"
	TestAPISecret = "test-api-secret"
)

// Roles the settlement core recognizes. Role assignment happens in the
// identity provider; the core only scopes routes by the role claim.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleHost   = "host"
)

var validRoles = map[string]bool{
	RoleBuyer:  true,
	RoleSeller: true,
	RoleHost:   true,
}

// TokenRequest is sent by the identity provider after it has authenticated
// the actor. The API credentials authenticate the provider itself.
type TokenRequest struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
	ActorID   string `json:"actor_id" binding:"required"`
	Role      string `json:"role" binding:"required"`
	Internal  bool   `json:"internal"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ActorID  string `json:"actor_id"`
	Role     string `json:"role"`
	Internal bool   `json:"internal,omitempty"`
}

// Service mints scoped tokens for already-authenticated actors
type Service struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	// In a real deployment the provider credentials live in a secret store
	apiCredentials map[string]string // map[APIKey]APISecret
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string, tokenTTL time.Duration) *Service {
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		tokenTTL:       tokenTTL,
		apiCredentials: make(map[string]string),
	}
}

// GenerateToken mints a token carrying the actor id and role for valid
// provider credentials
func (s *Service) GenerateToken(req TokenRequest) (*TokenResponse, error) {
	if !s.validateCredentials(req.APIKey, req.APISecret) {
		return nil, ErrInvalidCredentials
	}
	if !validRoles[req.Role] {
		return nil, ErrInvalidRole
	}

	expiration := time.Now().Add(s.tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		ActorID:  req.ActorID,
		Role:     req.Role,
		Internal: req.Internal,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

func (s *Service) validateCredentials(apiKey, apiSecret string) bool {
	secret, exists := s.apiCredentials[apiKey]
	return exists && secret == apiSecret
}

// RegisterAPICredentials registers new API credentials (for testing/demo purposes)
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string) {
	s.apiCredentials[apiKey] = apiSecret
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to mint actor tokens
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(req)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		if errors.Is(err, ErrInvalidRole) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
