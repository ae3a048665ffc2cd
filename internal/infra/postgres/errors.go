package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolationCode は PostgreSQL のユニーク制約違反エラーコード
const uniqueViolationCode = "23505"

// IsUniqueViolation はユニーク制約違反エラーかどうかを判定する
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
