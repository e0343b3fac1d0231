package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultDisplayName is used when the token carries neither name nor username.
const DefaultDisplayName = "User"

// ErrDecode is matched by every DecodeError.
var ErrDecode = errors.New("session: cannot decode access token")

// Identity is the user the access token was issued to.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// DecodeError explains why a token could not be turned into an Identity.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode identity: %s: %v", e.Reason, e.Err)
	}
	return "decode identity: " + e.Reason
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func (e *DecodeError) Unwrap() error { return e.Err }

var parser = jwt.NewParser()

// DecodeIdentity reads the payload segment of a JWT without verifying its
// signature. The server verifies; the client only needs id and display name.
// The header is not inspected.
func DecodeIdentity(token string) (*Identity, error) {
	if token == "" {
		return nil, &DecodeError{Reason: "empty token"}
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, &DecodeError{Reason: fmt.Sprintf("token has %d segments, want 3", len(parts))}
	}
	payload, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, &DecodeError{Reason: "payload is not base64url", Err: err}
	}
	claims := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, &DecodeError{Reason: "payload is not a JSON object", Err: err}
	}

	id := claimString(claims["id"])
	if id == "" {
		id = claimString(claims["sub"])
	}
	if id == "" {
		return nil, &DecodeError{Reason: "missing id claim"}
	}

	name := claimString(claims["name"])
	if name == "" {
		name = claimString(claims["username"])
	}
	if name == "" {
		name = DefaultDisplayName
	}

	return &Identity{ID: id, DisplayName: name}, nil
}

func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}
