package middleware

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

var errNoPrincipal = errors.New("token has no user")

// principal is the caller identity carried by an access token.
type principal struct {
	userID uint
	role   string
}

// JWTProtected validates HMAC-signed access tokens and stores user_id and user_role in
// the request locals. Websocket upgrades may carry the token in the access_token query
// parameter because browsers cannot set headers on them.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{
		jwt.SigningMethodHS256.Alg(),
		jwt.SigningMethodHS384.Alg(),
		jwt.SigningMethodHS512.Alg(),
	}))
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		raw, problem := bearerToken(c)
		if problem != "" {
			return utils.SendError(c, fiber.StatusUnauthorized, problem)
		}

		claims := jwt.MapClaims{}
		if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}); err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		who, err := principalFromClaims(claims)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
		}

		c.Locals("user_id", who.userID)
		if who.role != "" {
			c.Locals("user_role", who.role)
		}
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) (string, string) {
	header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if header == "" {
		if isWebsocketUpgrade(c) {
			if token := strings.TrimSpace(c.Query("access_token")); token != "" {
				return token, ""
			}
		}
		return "", "authorization header missing"
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", "invalid authorization header"
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", "invalid token"
	}
	return token, ""
}

// principalFromClaims reads the user from user_id, sub or id (first usable wins) and
// the role from role or the first entry of roles.
func principalFromClaims(claims jwt.MapClaims) (principal, error) {
	var who principal
	for _, key := range []string{"user_id", "sub", "id"} {
		if id, ok := claimUint(claims[key]); ok {
			who.userID = id
			break
		}
	}
	if who.userID == 0 {
		return principal{}, errNoPrincipal
	}

	for _, key := range []string{"role", "roles"} {
		if role := claimRole(claims[key]); role != "" {
			who.role = role
			break
		}
	}
	return who, nil
}

func claimUint(value interface{}) (uint, bool) {
	switch v := value.(type) {
	case float64:
		if v <= 0 || v != math.Trunc(v) {
			return 0, false
		}
		return uint(v), true
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil || parsed == 0 {
			return 0, false
		}
		return uint(parsed), true
	default:
		return 0, false
	}
}

func claimRole(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case []interface{}:
		for _, item := range v {
			if role := claimRole(item); role != "" {
				return role
			}
		}
	}
	return ""
}
