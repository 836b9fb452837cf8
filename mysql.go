package norm

import (
	"database/sql"

	_ "github.com/go-sql-driver/mysql"
)

// ConnectMySQL opens a MySQL connection pool and verifies it with a ping.
// dsn: "user:password@tcp(host:port)/dbname?parseTime=true"
//
// parseTime=true is required so timestamp columns scan into time.Time.
// Switches the process to ? placeholders; one dialect per process.
func ConnectMySQL(dsn string, config *DBConfig) (*sql.DB, error) {
	SetBindStyle(BindQuestion)
	return connect("mysql", dsn, config)
}
