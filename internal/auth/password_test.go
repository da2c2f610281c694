package auth

import (
	"context"
	"testing"

	"lapancomido/api/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePassword(t *testing.T) {
	assert.Error(t, ValidatePassword("Ab1!"))
	assert.Error(t, ValidatePassword("abcdefg1!"))
	assert.Error(t, ValidatePassword("Abcdefgh!"))
	assert.Error(t, ValidatePassword("Abcdefgh1"))
	assert.NoError(t, ValidatePassword("Panader1a!"))
}

func TestAuthenticate(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	u := createUser(t, st, "panadera")

	_, err := svc.Authenticate(ctx, "panadera", "whatever")
	assert.ErrorIs(t, err, ErrSetupRequired)

	got, err := svc.SetupCandidate(ctx, "PANADERA@lapancomido.cl")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	require.NoError(t, svc.SetPassword(ctx, u.ID, "Panader1a!"))
	assert.Error(t, svc.SetPassword(ctx, u.ID, "weak"))

	got, err = svc.Authenticate(ctx, "panadera@lapancomido.cl", "Panader1a!")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = svc.Authenticate(ctx, "panadera", "Wrong1234!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "nadie", "Panader1a!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.SetupCandidate(ctx, "panadera")
	assert.ErrorIs(t, err, ErrAlreadySetUp)
	_, err = svc.SetupCandidate(ctx, "nadie")
	assert.ErrorIs(t, err, ErrNoUser)

	stored, err := st.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, stored.Role)
}
