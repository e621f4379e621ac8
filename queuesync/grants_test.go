package queuesync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLevel(t *testing.T, perms ...Permission) *AccessLevel {
	t.Helper()
	level, err := NewAccessLevel(perms...)
	require.NoError(t, err)
	return &level
}

func shareFarm(level *AccessLevel) GrantRequest {
	return GrantRequest{UserID: "u2", Entity: EntityReference{Entity: "farm", ID: "f1"}, AccessLevel: level}
}

func TestShare_GrantsCascadingVisibility(t *testing.T) {
	env := newTestEnv(t)
	seedFarm(t, env, "u1")
	require.NoError(t, env.sync(t, "u1", insertReq("farm", 5, `{"id":"f2","name":"South"}`)))
	ctx := context.Background()

	hashes, err := env.service.EntityHashes(ctx, "u2", "vaccination")
	require.NoError(t, err)
	assert.Empty(t, hashes)

	require.NoError(t, env.service.Share(ctx, "u1", shareFarm(readLevel(t, PermissionRead))))

	farms, err := env.service.EntityHashes(ctx, "u2", "farm")
	require.NoError(t, err)
	require.Len(t, farms, 1, "the unshared farm stays private")
	assert.Equal(t, "f1", farms[0].ID)

	vaccinations, err := env.service.EntityHashes(ctx, "u2", "vaccination")
	require.NoError(t, err)
	require.Len(t, vaccinations, 1)
	assert.Equal(t, "v1", vaccinations[0].ID)

	removed, err := env.service.Revoke(ctx, "u1", shareFarm(nil))
	require.NoError(t, err)
	assert.True(t, removed)

	farms, err = env.service.EntityHashes(ctx, "u2", "farm")
	require.NoError(t, err)
	assert.Empty(t, farms)

	removed, err = env.service.Revoke(ctx, "u1", shareFarm(nil))
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestShare_ReplacesPreviousLevel(t *testing.T) {
	env := newTestEnv(t)
	seedFarm(t, env, "u1")
	ctx := context.Background()

	require.NoError(t, env.service.Share(ctx, "u1", shareFarm(readLevel(t, PermissionRead))))
	require.NoError(t, env.service.Share(ctx, "u1", shareFarm(readLevel(t, PermissionRead, PermissionCreate))))

	user, err := NewUserAuthProvider(memGrants{s: env.store}).Load(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, user.Grants, 1)
	assert.Equal(t, "RC", user.Grants[0].AccessLevel.Encode())
	assert.Equal(t, "u1", user.Grants[0].UserOwnerID)
}

func TestShare_SharedCreateAllowsInsertUnderOwner(t *testing.T) {
	env := newTestEnv(t)
	seedFarm(t, env, "u1")
	ctx := context.Background()

	err := env.sync(t, "u2", insertReq("animal", 10, `{"id":"a9","farm_id":"f1","name":"Guest"}`))
	assert.ErrorIs(t, err, ErrNotAuthorized)

	require.NoError(t, env.service.Share(ctx, "u1", shareFarm(readLevel(t, PermissionRead, PermissionCreate))))
	require.NoError(t, env.sync(t, "u2", insertReq("animal", 11, `{"id":"a9","farm_id":"f1","name":"Guest"}`)))

	row, ok := env.store.row("animal", "a9")
	require.True(t, ok)
	assert.Equal(t, "u1", row[AttrSyncOwnerID])
}

func TestShare_Rejections(t *testing.T) {
	env := newTestEnv(t)
	seedFarm(t, env, "u1")
	ctx := context.Background()
	read := readLevel(t, PermissionRead)

	tests := []struct {
		name   string
		userID string
		req    GrantRequest
		kind   error
		status int
	}{
		{"not the owner", "u2", GrantRequest{UserID: "u3", Entity: EntityReference{Entity: "farm", ID: "f1"}, AccessLevel: read}, ErrNotAuthorized, 403},
		{"grantee is self", "u1", GrantRequest{UserID: "u1", Entity: EntityReference{Entity: "farm", ID: "f1"}, AccessLevel: read}, ErrValidation, 400},
		{"missing access level", "u1", shareFarm(nil), ErrValidation, 400},
		{"unknown row", "u1", GrantRequest{UserID: "u2", Entity: EntityReference{Entity: "farm", ID: "nope"}, AccessLevel: read}, ErrEntityNotFound, 404},
		{"unknown entity", "u1", GrantRequest{UserID: "u2", Entity: EntityReference{Entity: "barn", ID: "b1"}, AccessLevel: read}, ErrValidation, 400},
		{"anonymous", "", shareFarm(read), ErrUserNotAuthenticated, 401},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.service.Share(ctx, tt.userID, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.status, HTTPStatus(err))
		})
	}

	_, err := env.service.Revoke(ctx, "u2", shareFarm(nil))
	assert.ErrorIs(t, err, ErrNotAuthorized)
}
