package main

import (
	"slices"
	"strings"

	"gorm.io/gorm"
)

type SortType string

const (
	SortTypeAscending  SortType = "asc"
	SortTypeDescending SortType = "desc"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// ListOptions pages and orders a list request. SortBy names one of the
// columns the listed model allows; it defaults to the model's own ordering.
type ListOptions struct {
	Offset uint32    `json:"offset,omitempty"`
	Limit  uint32    `json:"limit,omitempty"`
	SortBy string    `json:"sort_by,omitempty"`
	Sort   *SortType `json:"sort,omitempty"`
}

// listOrder is the ordering a model accepts in list queries.
type listOrder struct {
	column  string
	sort    SortType
	allowed []string
}

var (
	ledgerListOrder     = listOrder{column: "created_at", sort: SortTypeAscending, allowed: []string{"created_at", "name", "chain_id", "action_count", "version"}}
	rootListOrder       = listOrder{column: "version", sort: SortTypeDescending, allowed: []string{"version", "epoch", "action_count", "created_at"}}
	rpcHistoryListOrder = listOrder{column: "timestamp", sort: SortTypeDescending, allowed: []string{"timestamp", "method", "req_id"}}
)

// clause resolves the ORDER BY of options. Rows sharing the sort value keep
// insertion order so pages do not overlap.
func (o listOrder) clause(options *ListOptions) (string, error) {
	column, sort := o.column, o.sort
	if options != nil {
		if options.SortBy != "" {
			if !slices.Contains(o.allowed, options.SortBy) {
				return "", RPCErrorf("unsupported sort_by %q, expected one of %s", options.SortBy, strings.Join(o.allowed, ", "))
			}
			column = options.SortBy
		}
		if options.Sort != nil {
			switch s := SortType(strings.ToLower(string(*options.Sort))); s {
			case SortTypeAscending, SortTypeDescending:
				sort = s
			default:
				return "", RPCErrorf("unsupported sort %q, expected asc or desc", *options.Sort)
			}
		}
	}

	order := column + " " + strings.ToUpper(string(sort))
	if column != "id" {
		order += ", id " + strings.ToUpper(string(sort))
	}
	return order, nil
}

// pageBounds clamps a requested page to [1, MaxLimit] rows; zero selects DefaultLimit.
func pageBounds(options ListOptions) (offset, limit int) {
	limit = int(options.Limit)
	if limit == 0 {
		limit = DefaultLimit
	}
	return int(options.Offset), min(limit, MaxLimit)
}

// applyListOptions orders and pages db for the model described by order.
// Nil options keep the default order and return every row.
func applyListOptions(db *gorm.DB, order listOrder, options *ListOptions) (*gorm.DB, error) {
	clause, err := order.clause(options)
	if err != nil {
		return nil, err
	}
	db = db.Order(clause)
	if options == nil {
		return db, nil
	}
	offset, limit := pageBounds(*options)
	return db.Offset(offset).Limit(limit), nil
}
