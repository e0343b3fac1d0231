package session

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestDecodeIdentity_DisplayNameFallback(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   Identity
	}{
		{
			name:   "name wins",
			claims: jwt.MapClaims{"id": "u1", "name": "Ali", "username": "ali99"},
			want:   Identity{ID: "u1", DisplayName: "Ali"},
		},
		{
			name:   "username fallback",
			claims: jwt.MapClaims{"id": "u2", "username": "rocky"},
			want:   Identity{ID: "u2", DisplayName: "rocky"},
		},
		{
			name:   "default literal",
			claims: jwt.MapClaims{"id": "u3"},
			want:   Identity{ID: "u3", DisplayName: DefaultDisplayName},
		},
		{
			name:   "numeric id",
			claims: jwt.MapClaims{"id": 42, "username": "joe"},
			want:   Identity{ID: "42", DisplayName: "joe"},
		},
		{
			name:   "sub when id absent",
			claims: jwt.MapClaims{"sub": "abc", "name": "Laila"},
			want:   Identity{ID: "abc", DisplayName: "Laila"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeIdentity(mintToken(t, tt.claims))
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestDecodeIdentity_IgnoresHeader(t *testing.T) {
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"id":"u7","username":"ali"}`))
	noAlg := base64.RawURLEncoding.EncodeToString([]byte(`{"typ":"JWT"}`))

	for name, header := range map[string]string{
		"header without alg": noAlg,
		"header not base64":  "%%%%",
		"empty header":       "",
	} {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeIdentity(header + "." + payload + ".sig")
			require.NoError(t, err)
			assert.Equal(t, Identity{ID: "u7", DisplayName: "ali"}, *got)
		})
	}
}

func TestDecodeIdentity_Malformed(t *testing.T) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	notJSON := base64.RawURLEncoding.EncodeToString([]byte(`not json`))

	tests := map[string]string{
		"empty":            "",
		"single segment":   "abc",
		"two segments":     "a.b",
		"four segments":    "a.b.c.d",
		"not a.b.c":        "hello world",
		"invalid base64":   header + ".%%%%.sig",
		"payload not json": header + "." + notJSON + ".sig",
		"missing id":       mintToken(t, jwt.MapClaims{"username": "ghost"}),
	}

	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			var identity *Identity
			require.NotPanics(t, func() {
				var err error
				identity, err = DecodeIdentity(token)
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrDecode))

				var decodeErr *DecodeError
				assert.True(t, errors.As(err, &decodeErr))
			})
			assert.Nil(t, identity)
		})
	}
}
