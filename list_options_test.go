package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListOrderClause(t *testing.T) {
	desc := SortTypeDescending
	upperAsc := SortType("ASC")
	sideways := SortType("sideways")

	tcs := []struct {
		name     string
		order    listOrder
		options  *ListOptions
		expected string
		err      string
	}{
		{name: "nil options", order: ledgerListOrder, expected: "created_at ASC, id ASC"},
		{name: "model default", order: rootListOrder, options: &ListOptions{}, expected: "version DESC, id DESC"},
		{name: "sort by allowed column", order: ledgerListOrder, options: &ListOptions{SortBy: "name", Sort: &desc}, expected: "name DESC, id DESC"},
		{name: "sort type is case insensitive", order: rpcHistoryListOrder, options: &ListOptions{Sort: &upperAsc}, expected: "timestamp ASC, id ASC"},
		{name: "column of another model", order: rootListOrder, options: &ListOptions{SortBy: "name"}, err: `unsupported sort_by "name", expected one of version, epoch, action_count, created_at`},
		{name: "injected column", order: ledgerListOrder, options: &ListOptions{SortBy: "created_at; DROP TABLE custody_ledgers"}, err: "unsupported sort_by"},
		{name: "unknown sort type", order: ledgerListOrder, options: &ListOptions{Sort: &sideways}, err: `unsupported sort "sideways", expected asc or desc`},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			clause, err := tc.order.clause(tc.options)
			if tc.err != "" {
				require.ErrorContains(t, err, tc.err)
				var rpcErr RPCError
				assert.True(t, errors.As(err, &rpcErr), "sort errors are client facing")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, clause)
		})
	}
}

func TestPageBounds(t *testing.T) {
	tcs := []struct {
		options       ListOptions
		offset, limit int
	}{
		{ListOptions{}, 0, DefaultLimit},
		{ListOptions{Offset: 20, Limit: 5}, 20, 5},
		{ListOptions{Limit: MaxLimit + 1}, 0, MaxLimit},
	}
	for _, tc := range tcs {
		offset, limit := pageBounds(tc.options)
		assert.Equal(t, tc.offset, offset)
		assert.Equal(t, tc.limit, limit)
	}
}
