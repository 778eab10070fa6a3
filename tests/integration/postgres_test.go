// Package integration exercises the connection registry and the extractor
// against a live PostgreSQL server.
//
// Enable with INTEGRATION_TESTS=true plus the connection settings:
//
//	MAGNETAR_PG_DRIVER=postgres
//	MAGNETAR_PG_HOST, MAGNETAR_PG_SERVICE, MAGNETAR_PG_USER,
//	MAGNETAR_PG_PASSWORD, and MAGNETAR_PG_PORT when not 5432.
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/magnetar/pkg/connection"
	"github.com/ajitpratap0/magnetar/pkg/errors"
	"github.com/ajitpratap0/magnetar/pkg/extract"
	"github.com/ajitpratap0/magnetar/pkg/handler"
	"github.com/ajitpratap0/magnetar/pkg/testutil"

	_ "github.com/ajitpratap0/magnetar/pkg/connection/drivers/postgres"
)

type PostgresSuite struct {
	testutil.IntegrationSuite

	cfg       *connection.Config
	manager   *connection.Manager
	handler   *handler.Handler
	extractor *extract.Extractor
	table     string
}

func TestPostgresSuite(t *testing.T) {
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	testutil.RequireIntegration(s.T())
	cfg, ok := testutil.EnvConnectionConfig("MAGNETAR_PG")
	if !ok {
		s.T().Skip("MAGNETAR_PG_* connection settings not provided")
	}
	s.IntegrationSuite.SetupSuite()

	s.cfg = cfg
	s.cfg.PoolMin = 1
	s.cfg.PoolMax = 2

	log := testutil.TestLogger(s.T())
	s.manager = connection.New(connection.NewFactory(nil, log), log)

	hcfg := handler.DefaultConfig()
	hcfg.MaxRetryAttempts = 1
	s.handler = handler.New(hcfg, log)

	s.table = fmt.Sprintf("magnetar_it_%d", time.Now().Unix())

	err := s.manager.WithSession(s.Context(), "it-setup", s.cfg,
		func(ctx context.Context, session connection.Session) error {
			stmt := fmt.Sprintf(
				"CREATE TABLE %s (id integer PRIMARY KEY, customer text NOT NULL, total double precision)",
				s.table)
			if err := s.manager.ExecuteDDL(ctx, session, stmt); err != nil {
				return err
			}

			insert := fmt.Sprintf("INSERT INTO %s (id, customer, total) VALUES ($1, $2, $3)", s.table)
			for _, row := range [][]interface{}{
				{1, "acme", 100.0},
				{2, "globex", 250.5},
				{3, "initech", 75.25},
			} {
				if _, err := session.Exec(ctx, insert, row...); err != nil {
					return err
				}
			}
			return session.Commit(ctx)
		})
	require.NoError(s.T(), err)

	s.extractor, err = extract.New(s.manager, s.handler,
		&extract.Config{Connection: "it-extract", BatchSize: 2}, s.cfg, log)
	require.NoError(s.T(), err)
}

func (s *PostgresSuite) TearDownSuite() {
	if s.manager != nil {
		_ = s.manager.WithSession(s.Context(), "it-teardown", s.cfg,
			func(ctx context.Context, session connection.Session) error {
				return s.manager.ExecuteDDL(ctx, session, "DROP TABLE IF EXISTS "+s.table)
			})
		s.manager.Close(s.Context())
	}
	s.IntegrationSuite.TearDownSuite()
}

func (s *PostgresSuite) TestProbe() {
	assert.True(s.T(), s.manager.TestConnection(s.Context(), s.cfg, 2))
}

func (s *PostgresSuite) TestProbeRejectsBadCredentials() {
	bad := s.cfg.Clone()
	bad.Password = "definitely-wrong"
	assert.False(s.T(), s.manager.TestConnection(s.Context(), bad, 1))
}

func (s *PostgresSuite) TestQueryRoundTrip() {
	var rows []map[string]interface{}
	err := s.manager.WithSession(s.Context(), "it-query", s.cfg,
		func(ctx context.Context, session connection.Session) error {
			var qerr error
			rows, qerr = s.manager.ExecuteQuery(ctx, session,
				fmt.Sprintf("SELECT count(*) AS n FROM %s WHERE total > $1", s.table), 80.0)
			return qerr
		})
	require.NoError(s.T(), err)
	require.Len(s.T(), rows, 1)
	assert.EqualValues(s.T(), 2, rows[0]["n"])
}

func (s *PostgresSuite) TestExtractTableStreams() {
	var sink extract.Collector
	stats, err := s.extractor.ExtractTable(s.Context(),
		extract.TableRequest{Table: s.table, OrderBy: "id"}, &sink)
	require.NoError(s.T(), err)

	assert.EqualValues(s.T(), 3, stats.RowsExtracted)
	assert.Equal(s.T(), 2, stats.Batches)
	require.Equal(s.T(), []string{"id", "customer", "total"}, sink.Columns)
	require.Len(s.T(), sink.Rows, 3)
	assert.EqualValues(s.T(), "acme", sink.Rows[0][1])
	assert.EqualValues(s.T(), 250.5, sink.Rows[1][2])
}

func (s *PostgresSuite) TestExtractIncremental() {
	var sink extract.Collector
	stats, err := s.extractor.ExtractIncremental(s.Context(),
		extract.TableRequest{Table: s.table, OrderBy: "id"}, "id", 1, &sink)
	require.NoError(s.T(), err)

	assert.EqualValues(s.T(), 2, stats.RowsExtracted)
	require.Len(s.T(), sink.Rows, 2)
	assert.EqualValues(s.T(), "globex", sink.Rows[0][1])
}

func (s *PostgresSuite) TestQueryFailureIsTracked() {
	before := s.handler.Summary().TotalErrors

	var sink extract.Collector
	_, err := s.extractor.ExtractQuery(s.Context(),
		"SELECT * FROM magnetar_it_does_not_exist", nil, &sink)
	require.Error(s.T(), err)
	assert.True(s.T(), errors.IsCategory(err, errors.CategoryExtraction))
	assert.Greater(s.T(), s.handler.Summary().TotalErrors, before)
}
