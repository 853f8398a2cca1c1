package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

const getMenuItem = `-- name: GetMenuItem :one
SELECT id, name, base_price, offer_price, has_conditional_pricing, included_toppings_count, is_active, created_at FROM menu_items
WHERE id = $1 AND is_active = true
`

func (q *Queries) GetMenuItem(ctx context.Context, id uuid.UUID) (MenuItem, error) {
	row := q.db.QueryRow(ctx, getMenuItem, id)
	var i MenuItem
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.BasePrice,
		&i.OfferPrice,
		&i.HasConditionalPricing,
		&i.IncludedToppingsCount,
		&i.IsActive,
		&i.CreatedAt,
	)
	return i, err
}

const createMenuItem = `-- name: CreateMenuItem :one
INSERT INTO menu_items (name, base_price, offer_price, has_conditional_pricing, included_toppings_count)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, name, base_price, offer_price, has_conditional_pricing, included_toppings_count, is_active, created_at
`

type CreateMenuItemParams struct {
	Name                  string         `json:"name"`
	BasePrice             pgtype.Numeric `json:"base_price"`
	OfferPrice            pgtype.Numeric `json:"offer_price"`
	HasConditionalPricing bool           `json:"has_conditional_pricing"`
	IncludedToppingsCount int32          `json:"included_toppings_count"`
}

func (q *Queries) CreateMenuItem(ctx context.Context, arg CreateMenuItemParams) (MenuItem, error) {
	row := q.db.QueryRow(ctx, createMenuItem,
		arg.Name,
		arg.BasePrice,
		arg.OfferPrice,
		arg.HasConditionalPricing,
		arg.IncludedToppingsCount,
	)
	var i MenuItem
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.BasePrice,
		&i.OfferPrice,
		&i.HasConditionalPricing,
		&i.IncludedToppingsCount,
		&i.IsActive,
		&i.CreatedAt,
	)
	return i, err
}

const listToppingsByMenuItem = `-- name: ListToppingsByMenuItem :many
SELECT id, menu_item_id, name, price, sort_order FROM toppings
WHERE menu_item_id = $1
ORDER BY sort_order, name
`

func (q *Queries) ListToppingsByMenuItem(ctx context.Context, menuItemID uuid.UUID) ([]Topping, error) {
	rows, err := q.db.Query(ctx, listToppingsByMenuItem, menuItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Topping{}
	for rows.Next() {
		var i Topping
		if err := rows.Scan(
			&i.ID,
			&i.MenuItemID,
			&i.Name,
			&i.Price,
			&i.SortOrder,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createTopping = `-- name: CreateTopping :one
INSERT INTO toppings (menu_item_id, name, price, sort_order)
VALUES ($1, $2, $3, $4)
RETURNING id, menu_item_id, name, price, sort_order
`

type CreateToppingParams struct {
	MenuItemID uuid.UUID      `json:"menu_item_id"`
	Name       string         `json:"name"`
	Price      pgtype.Numeric `json:"price"`
	SortOrder  int32          `json:"sort_order"`
}

func (q *Queries) CreateTopping(ctx context.Context, arg CreateToppingParams) (Topping, error) {
	row := q.db.QueryRow(ctx, createTopping,
		arg.MenuItemID,
		arg.Name,
		arg.Price,
		arg.SortOrder,
	)
	var i Topping
	err := row.Scan(
		&i.ID,
		&i.MenuItemID,
		&i.Name,
		&i.Price,
		&i.SortOrder,
	)
	return i, err
}

const listToppingGroupsByMenuItem = `-- name: ListToppingGroupsByMenuItem :many
SELECT id, menu_item_id, name, selection_mode, min_select, max_select, sort_order FROM topping_groups
WHERE menu_item_id = $1
ORDER BY sort_order, name
`

func (q *Queries) ListToppingGroupsByMenuItem(ctx context.Context, menuItemID uuid.UUID) ([]ToppingGroup, error) {
	rows, err := q.db.Query(ctx, listToppingGroupsByMenuItem, menuItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []ToppingGroup{}
	for rows.Next() {
		var i ToppingGroup
		if err := rows.Scan(
			&i.ID,
			&i.MenuItemID,
			&i.Name,
			&i.SelectionMode,
			&i.MinSelect,
			&i.MaxSelect,
			&i.SortOrder,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createToppingGroup = `-- name: CreateToppingGroup :one
INSERT INTO topping_groups (menu_item_id, name, selection_mode, min_select, max_select, sort_order)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, menu_item_id, name, selection_mode, min_select, max_select, sort_order
`

type CreateToppingGroupParams struct {
	MenuItemID    uuid.UUID `json:"menu_item_id"`
	Name          string    `json:"name"`
	SelectionMode string    `json:"selection_mode"`
	MinSelect     int32     `json:"min_select"`
	MaxSelect     int32     `json:"max_select"`
	SortOrder     int32     `json:"sort_order"`
}

func (q *Queries) CreateToppingGroup(ctx context.Context, arg CreateToppingGroupParams) (ToppingGroup, error) {
	row := q.db.QueryRow(ctx, createToppingGroup,
		arg.MenuItemID,
		arg.Name,
		arg.SelectionMode,
		arg.MinSelect,
		arg.MaxSelect,
		arg.SortOrder,
	)
	var i ToppingGroup
	err := row.Scan(
		&i.ID,
		&i.MenuItemID,
		&i.Name,
		&i.SelectionMode,
		&i.MinSelect,
		&i.MaxSelect,
		&i.SortOrder,
	)
	return i, err
}

const listToppingGroupOptionsByMenuItem = `-- name: ListToppingGroupOptionsByMenuItem :many
SELECT o.id, o.group_id, o.name, o.price, o.sort_order FROM topping_group_options o
JOIN topping_groups g ON g.id = o.group_id
WHERE g.menu_item_id = $1
ORDER BY o.group_id, o.sort_order, o.name
`

func (q *Queries) ListToppingGroupOptionsByMenuItem(ctx context.Context, menuItemID uuid.UUID) ([]ToppingGroupOption, error) {
	rows, err := q.db.Query(ctx, listToppingGroupOptionsByMenuItem, menuItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []ToppingGroupOption{}
	for rows.Next() {
		var i ToppingGroupOption
		if err := rows.Scan(
			&i.ID,
			&i.GroupID,
			&i.Name,
			&i.Price,
			&i.SortOrder,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createToppingGroupOption = `-- name: CreateToppingGroupOption :one
INSERT INTO topping_group_options (group_id, name, price, sort_order)
VALUES ($1, $2, $3, $4)
RETURNING id, group_id, name, price, sort_order
`

type CreateToppingGroupOptionParams struct {
	GroupID   uuid.UUID      `json:"group_id"`
	Name      string         `json:"name"`
	Price     pgtype.Numeric `json:"price"`
	SortOrder int32          `json:"sort_order"`
}

func (q *Queries) CreateToppingGroupOption(ctx context.Context, arg CreateToppingGroupOptionParams) (ToppingGroupOption, error) {
	row := q.db.QueryRow(ctx, createToppingGroupOption,
		arg.GroupID,
		arg.Name,
		arg.Price,
		arg.SortOrder,
	)
	var i ToppingGroupOption
	err := row.Scan(
		&i.ID,
		&i.GroupID,
		&i.Name,
		&i.Price,
		&i.SortOrder,
	)
	return i, err
}
