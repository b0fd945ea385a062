// Package repository holds the MySQL and Redis backed stores. The sentinel
// values below let the service layer tell a business failure from an
// infrastructure one without inspecting driver errors.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrEmailExists is returned when a user with the same email is already
// stored. The service layer maps it to a 409 response.
var ErrEmailExists = errors.New("email already exists")

// ErrUserNotFound is returned when a lookup matches no row.
var ErrUserNotFound = errors.New("user not found")

const mysqlDuplicateEntry = 1062

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
