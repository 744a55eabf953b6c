package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserId(t *testing.T) {
	tcases := []struct {
		name     string
		ctx      context.Context
		userId   int
		expected bool
	}{
		{
			name:     "no user ID",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name:     "user ID set",
			ctx:      WithUserId(context.Background(), 42),
			userId:   42,
			expected: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			userId, ok := UserId(tc.ctx)
			assert.Equal(t, tc.expected, ok, "expected UserId to return %v", tc.expected)
			assert.Equal(t, tc.userId, userId, "expected UserId to return %d", tc.userId)
		})
	}
}

func Test_bearerToken(t *testing.T) {
	tcases := []struct {
		name     string
		header   string
		target   string
		expected string
		wantErr  bool
	}{
		{name: "bearer header", header: "Bearer abc", target: "/", expected: "abc"},
		{name: "lower case scheme", header: "bearer abc", target: "/", expected: "abc"},
		{name: "query parameter", target: "/ws?token=abc", expected: "abc"},
		{name: "header wins over query", header: "Bearer abc", target: "/ws?token=xyz", expected: "abc"},
		{name: "basic scheme", header: "Basic abc", target: "/", wantErr: true},
		{name: "empty bearer", header: "Bearer ", target: "/", wantErr: true},
		{name: "missing", target: "/", wantErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}

			token, err := bearerToken(req)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, token)
		})
	}
}

func Test_extractUserIdFromToken(t *testing.T) {
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{userIdClaim: 42}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tcases := []struct {
		name     string
		token    string
		expected int
		wantErr  bool
	}{
		{
			name:     "valid",
			token:    userToken(t, 42),
			expected: 42,
		},
		{
			name:    "wrong key",
			token:   signToken(t, []byte("other-key"), jwt.MapClaims{userIdClaim: 42}),
			wantErr: true,
		},
		{
			name:    "expired",
			token:   signToken(t, testSigningKey, jwt.MapClaims{userIdClaim: 42, "exp": time.Now().Add(-time.Hour).Unix()}),
			wantErr: true,
		},
		{
			name:    "missing user id",
			token:   signToken(t, testSigningKey, jwt.MapClaims{"sub": "42"}),
			wantErr: true,
		},
		{
			name:    "string user id",
			token:   signToken(t, testSigningKey, jwt.MapClaims{userIdClaim: "42"}),
			wantErr: true,
		},
		{
			name:    "unsigned",
			token:   none,
			wantErr: true,
		},
		{
			name:    "garbage",
			token:   "not-a-token",
			wantErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			userId, err := extractUserIdFromToken(testSigningKey, tc.token)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, userId)
		})
	}
}
