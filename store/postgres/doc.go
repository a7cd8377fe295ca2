// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: SKIP LOCKED claims, lease numbers from a sequence, advisory
// transaction locks around result updates, embedded SQL migrations.
package postgres
