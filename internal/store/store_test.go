package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-pricing/internal/store/memory"
)

func TestOpenWithoutDatabaseUsesMemory(t *testing.T) {
	s, closeFn, err := Open(context.Background(), "", true)
	require.NoError(t, err)
	t.Cleanup(closeFn)
	require.IsType(t, &memory.Store{}, s)
	require.NoError(t, s.Ping(context.Background()))
	require.Equal(t, "memory", Kind(""))
	require.Equal(t, "postgres", Kind("postgres://localhost/pricing"))
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, _, err := Open(context.Background(), "postgres://%zz", false)
	require.Error(t, err)
}
