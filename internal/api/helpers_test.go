package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-projectchat/internal/config"
	"github.com/npezzotti/go-projectchat/internal/database"
	"github.com/npezzotti/go-projectchat/internal/testutil"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

func testConfig() *config.Config {
	return &config.Config{
		ServerAddr:     "localhost:0",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	}
}

func newTestApp(t *testing.T, db database.MessageRepository) *ProjectChatApp {
	return NewProjectChatApp(http.NewServeMux(), testutil.TestLogger(t), nil, db, testConfig())
}

func signToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)

	return token
}

func userToken(t *testing.T, userId int) string {
	return signToken(t, testSigningKey, jwt.MapClaims{
		userIdClaim: userId,
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
}
