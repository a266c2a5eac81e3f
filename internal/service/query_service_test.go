package service

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"banking-ledger/internal/errors"
)

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		page, size         int
		wantPage, wantSize int
	}{
		{0, 0, 0, DefaultPageSize},
		{-3, 10, 0, 10},
		{2, 500, 2, MaxPageSize},
		{1, 5, 1, 5},
	}
	for _, tt := range tests {
		page, size := NormalizePage(tt.page, tt.size)
		assert.Equal(t, tt.wantPage, page)
		assert.Equal(t, tt.wantSize, size)
	}
}

func TestQueryService_UserAndAccountHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	checking := f.openAccount(t, "alice", "1000.00")
	savings := f.openAccount(t, "alice", "0")
	other := f.openAccount(t, "bob", "0")

	for i := 0; i < 3; i++ {
		_, err := f.transferService.Transfer(ctx, transferReq("alice", checking, savings, "10.00"))
		require.NoError(t, err)
	}
	_, err := f.transferService.Transfer(ctx, transferReq("alice", checking, other, "5.00"))
	require.NoError(t, err)

	all, err := f.queryService.ListForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, all, 7)

	bobs, err := f.queryService.ListForUser(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, bobs, 1)

	forChecking, err := f.queryService.ListForAccount(ctx, "alice", checking.ID.String())
	require.NoError(t, err)
	assert.Len(t, forChecking, 4)
	for i := 1; i < len(forChecking); i++ {
		assert.False(t, forChecking[i].CreatedAt.After(forChecking[i-1].CreatedAt))
	}

	_, err = f.queryService.ListForAccount(ctx, "bob", checking.ID.String())
	assertCode(t, err, errors.AccountNotFound)
}

func TestQueryService_Paginated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	source := f.openAccount(t, "alice", "1000.00")
	destination := f.openAccount(t, "bob", "0")

	for i := 0; i < 5; i++ {
		_, err := f.transferService.Transfer(ctx, transferReq("alice", source, destination, "1.00"))
		require.NoError(t, err)
	}

	first, err := f.queryService.ListForAccountPaginated(ctx, "alice", source.ID.String(), 0, 2)
	require.NoError(t, err)
	assert.Len(t, first.Content, 2)
	assert.Equal(t, 5, first.TotalElements)
	assert.Equal(t, 3, first.TotalPages)
	assert.Equal(t, 0, first.Page)
	assert.Equal(t, 2, first.Size)

	last, err := f.queryService.ListForAccountPaginated(ctx, "alice", source.ID.String(), 2, 2)
	require.NoError(t, err)
	assert.Len(t, last.Content, 1)

	beyond, err := f.queryService.ListForAccountPaginated(ctx, "alice", source.ID.String(), 9, 2)
	require.NoError(t, err)
	assert.Empty(t, beyond.Content)
	assert.NotNil(t, beyond.Content)

	far := math.MaxInt/MaxPageSize + 1
	overflow, err := f.queryService.ListForAccountPaginated(ctx, "alice", source.ID.String(), far, MaxPageSize)
	require.NoError(t, err)
	assert.Empty(t, overflow.Content)
	assert.NotNil(t, overflow.Content)
	assert.Equal(t, far, overflow.Page)
	assert.Equal(t, 5, overflow.TotalElements)
	assert.Equal(t, 1, overflow.TotalPages)

	userPage, err := f.queryService.ListForUserPaginated(ctx, "bob", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, userPage.Size)
	assert.Equal(t, 5, userPage.TotalElements)

	empty, err := f.queryService.ListForUserPaginated(ctx, "carol", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.TotalElements)
	assert.Equal(t, 0, empty.TotalPages)
	assert.NotNil(t, empty.Content)
}

func TestQueryService_GetByIDIsStableAndOwnerScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	source := f.openAccount(t, "alice", "100.00")
	destination := f.openAccount(t, "bob", "0")

	result, err := f.transferService.Transfer(ctx, transferReq("alice", source, destination, "30.00"))
	require.NoError(t, err)

	first, err := f.queryService.GetByID(ctx, "alice", result.Outgoing.ID.String())
	require.NoError(t, err)
	second, err := f.queryService.GetByID(ctx, "alice", result.Outgoing.ID.String())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	incoming, err := f.queryService.GetByID(ctx, "bob", result.Incoming.ID.String())
	require.NoError(t, err)
	assert.Equal(t, result.ReferenceID, incoming.ReferenceID)

	_, err = f.queryService.GetByID(ctx, "bob", result.Outgoing.ID.String())
	assertCode(t, err, errors.TransactionNotFound)

	_, err = f.queryService.GetByID(ctx, "alice", uuid.NewString())
	assertCode(t, err, errors.TransactionNotFound)

	_, err = f.queryService.GetByID(ctx, "alice", "nope")
	assertCode(t, err, errors.InvalidInput)
}
