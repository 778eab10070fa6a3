// Package snowflake provides the Snowflake session driver on database/sql.
// Importing it registers the driver under the name "snowflake".
//
// The connection host is interpreted as the Snowflake account identifier.
package snowflake

import (
	"context"
	"database/sql"

	"github.com/snowflakedb/gosnowflake"

	"github.com/ajitpratap0/magnetar/pkg/connection"
	"github.com/ajitpratap0/magnetar/pkg/connection/drivers/internal/sqlsession"
)

func init() {
	connection.RegisterDriver(&driver{})
}

type driver struct{}

func (*driver) Name() string { return "snowflake" }

func (*driver) ProbeStatement() string { return "SELECT 1" }

// Open dials Snowflake through a pinned database/sql connection. The
// warehouse, schema and role parameters map onto their dedicated DSN
// fields; everything else rides along as a session parameter.
func (*driver) Open(ctx context.Context, cfg *connection.Config) (connection.Session, error) {
	sfCfg := &gosnowflake.Config{
		Account:      cfg.Host,
		User:         cfg.Username,
		Password:     cfg.Password,
		Database:     cfg.DatabaseName(),
		LoginTimeout: cfg.ConnectTimeout,
	}

	for k, v := range cfg.Params {
		switch k {
		case "warehouse":
			sfCfg.Warehouse = v
		case "schema":
			sfCfg.Schema = v
		case "role":
			sfCfg.Role = v
		default:
			if sfCfg.Params == nil {
				sfCfg.Params = make(map[string]*string)
			}
			vv := v
			sfCfg.Params[k] = &vv
		}
	}

	dsn, err := gosnowflake.DSN(sfCfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return sqlsession.New(db, conn), nil
}
