package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/matandaelis/liveshop-settlement/pkg/response"
	"golang.org/x/time/rate"
)

var (
	jwtSecret = []byte("liveshop-secret-key")
)

// Configure sets the signing secret used to validate tokens.
// Must be called once at startup before any request is served.
func Configure(secret string) {
	jwtSecret = []byte(secret)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit     = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	bidLimit      = rate.Limit(300.0 / 60.0)  // 300 requests per minute, live bidding is bursty
	checkoutLimit = rate.Limit(60.0 / 60.0)   // 60 requests per minute
	payoutLimit   = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	readLimit     = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func getLimiter(path, method, clientKey string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientKey + ":" + method + ":" + path
	v, exists := visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
		case method == "POST" && strings.Contains(path, "/bids"):
			limit = bidLimit
		case method == "POST" && strings.HasPrefix(path, "/api/v1/checkout"):
			limit = checkoutLimit
		case method == "POST" && strings.Contains(path, "/payouts"):
			limit = payoutLimit
		case method == "GET":
			limit = readLimit
		default:
			limit = checkoutLimit
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, 5), // small burst for retries
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.GetString("actorID")
		if clientKey == "" {
			clientKey = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), c.Request.Method, clientKey)
		if !limiter.Allow() {
			response.BadRequest(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and sets actor identity on the context.
// Session validity is the identity provider's concern; the settlement core
// only reads the actor id and role out of the signed claims.
func JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := validateAndExtractClaims(c)
		if err != nil {
			return
		}

		actorID, ok := claims["actor_id"].(string)
		if !ok || actorID == "" {
			response.Unauthorized(c, "Invalid actor ID in token")
			c.Abort()
			return
		}

		role, _ := claims["role"].(string)

		c.Set("claims", claims)
		c.Set("actorID", actorID)
		c.Set("role", role)

		c.Next()
	}
}

// RequireRole rejects authenticated requests whose token carries a
// different role than the one the route expects.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("role") != role {
			response.Forbidden(c, fmt.Sprintf("Requires %s role", role))
			c.Abort()
			return
		}
		c.Next()
	}
}

// InternalAuth protects the internal route group. These routes are called by
// trusted collaborators (payment webhooks, the auction scheduler, the
// return-window service), so in deployment they should additionally sit
// behind network-level restrictions.
func InternalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := validateAndExtractClaims(c)
		if err != nil {
			return
		}

		if internal, _ := claims["internal"].(bool); !internal {
			response.Forbidden(c, "Internal token required")
			c.Abort()
			return
		}

		if actorID, ok := claims["actor_id"].(string); ok {
			c.Set("actorID", actorID)
		}
		c.Next()
	}
}

func validateAndExtractClaims(c *gin.Context) (jwt.MapClaims, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, fmt.Errorf("authorization header required")
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})

	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		response.Unauthorized(c, "Invalid token claims")
		c.Abort()
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}
