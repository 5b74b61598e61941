// Package helpers holds fixtures shared by package tests.
package helpers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiaot623/sentinel/internal/repository"
)

// NewTestSQLiteStore opens a private in-memory store that is closed when the
// test ends. Limits default to repository.DefaultLimits.
func NewTestSQLiteStore(t *testing.T, limits ...repository.Limits) *repository.SQLiteStore {
	t.Helper()

	l := repository.Limits{}
	if len(limits) > 0 {
		l = limits[0]
	}
	s, err := repository.NewSQLiteStore(":memory:", l)
	require.NoError(t, err, "open in-memory store")
	t.Cleanup(func() { _ = s.Close() })
	return s
}
