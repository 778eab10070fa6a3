// Package mysql provides the MySQL session driver on database/sql.
// Importing it registers the driver under the name "mysql".
package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/ajitpratap0/magnetar/pkg/connection"
	"github.com/ajitpratap0/magnetar/pkg/connection/drivers/internal/sqlsession"
)

const defaultPort = 3306

func init() {
	connection.RegisterDriver(&driver{})
}

type driver struct{}

func (*driver) Name() string { return "mysql" }

func (*driver) ProbeStatement() string { return "SELECT 1" }

// Open dials the server through a pinned database/sql connection so the
// session owns exactly one server connection. Session parameters travel
// in the DSN and apply at handshake.
func (*driver) Open(ctx context.Context, cfg *connection.Config) (connection.Session, error) {
	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}

	cs := mysql.NewConfig()
	cs.User = cfg.Username
	cs.Passwd = cfg.Password
	cs.Net = "tcp"
	cs.Addr = fmt.Sprintf("%s:%d", cfg.Host, port)
	cs.DBName = cfg.DatabaseName()
	cs.Timeout = cfg.ConnectTimeout
	cs.ParseTime = true
	if len(cfg.Params) > 0 {
		cs.Params = make(map[string]string, len(cfg.Params))
		for k, v := range cfg.Params {
			cs.Params[k] = v
		}
	}

	db, err := sql.Open("mysql", cs.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	// sql.Open does not dial; pinning the connection does.
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return sqlsession.New(db, conn), nil
}
