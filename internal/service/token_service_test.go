package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/pkg/config"
	appErrors "github.com/noah-isme/engagement-pipeline/pkg/errors"
)

func newTestTokenService() *TokenService {
	return NewTokenService(config.JWTConfig{Secret: "test-secret", Issuer: "engagement-pipeline", Expiration: time.Hour})
}

func TestTokenServiceRoundTrip(t *testing.T) {
	svc := newTestTokenService()

	token, expires, err := svc.Issue(TokenRequest{Subject: "device-7", Role: models.RoleDevice, ClassroomIDs: []string{"class-1"}})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "device-7", claims.Actor())
	assert.True(t, claims.Allows("class-1"))
	assert.False(t, claims.Allows("class-2"))
}

func TestTokenServiceRejectsForeignSecret(t *testing.T) {
	svc := newTestTokenService()
	other := NewTokenService(config.JWTConfig{Secret: "other", Issuer: "engagement-pipeline", Expiration: time.Hour})

	token, _, err := other.Issue(TokenRequest{Subject: "t-1", Role: models.RoleTeacher, ClassroomIDs: []string{"class-1"}})
	require.NoError(t, err)

	_, err = svc.Validate(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))
}

func TestTokenServiceRejectsExpired(t *testing.T) {
	svc := newTestTokenService()
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _, err := svc.Issue(TokenRequest{Subject: "t-1", Role: models.RoleTeacher, ClassroomIDs: []string{"class-1"}})
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.Validate(token)
	require.Error(t, err)
}

func TestTokenServiceRequiresClassroomsForNonAdmin(t *testing.T) {
	svc := newTestTokenService()

	_, _, err := svc.Issue(TokenRequest{Subject: "t-1", Role: models.RoleTeacher})
	require.Error(t, err)

	_, _, err = svc.Issue(TokenRequest{Subject: "ops", Role: models.RoleAdmin})
	require.NoError(t, err)
}
