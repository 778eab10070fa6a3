package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/magnetar/pkg/connection/conntest"
	"github.com/ajitpratap0/magnetar/pkg/errors"
	"github.com/ajitpratap0/magnetar/pkg/extract"
)

func writeConfig(t *testing.T, driver string) string {
	t.Helper()
	raw := fmt.Sprintf(`
name: nightly-orders
connections:
  src:
    driver: %s
    host: db.internal
    service: orders
    username: etl
    password: secret
environments:
  production:
    connections:
      src:
        host: db.prod.internal
`, driver)
	path := filepath.Join(t.TempDir(), "job.yml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	return path
}

func TestLoadJobConfigRequiresPath(t *testing.T) {
	_, err := loadJobConfig(viper.New())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
	assert.Contains(t, err.Error(), "MAGNETAR_CONFIG")
}

func TestLoadJobConfigAppliesLogLevelOverride(t *testing.T) {
	d := conntest.New("conntest-" + t.Name())

	v := viper.New()
	v.Set("config", writeConfig(t, d.Name()))
	v.Set("log-level", "debug")

	cfg, err := loadJobConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "nightly-orders", cfg.Name)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadJobConfigHonorsEnvFlag(t *testing.T) {
	d := conntest.New("conntest-" + t.Name())

	v := viper.New()
	v.Set("config", writeConfig(t, d.Name()))
	v.Set("env", "production")

	cfg, err := loadJobConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	src, err := cfg.Connection("src")
	require.NoError(t, err)
	assert.Equal(t, "db.prod.internal", src.Host)
}

func TestSelectTables(t *testing.T) {
	reqs := []extract.TableRequest{
		{Schema: "sales", Table: "orders"},
		{Schema: "sales", Table: "customers"},
		{Table: "audit_log"},
	}

	all, err := selectTables(reqs, nil)
	require.NoError(t, err)
	assert.Equal(t, reqs, all)

	picked, err := selectTables(reqs, []string{"sales.customers", "audit_log"})
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.Equal(t, "customers", picked[0].Table)
	assert.Equal(t, "audit_log", picked[1].Table)

	_, err = selectTables(reqs, []string{"invoices"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestJSONLWriterSetWritesOneFilePerTable(t *testing.T) {
	dir := t.TempDir()
	ws := &jsonlWriterSet{outDir: filepath.Join(dir, "export")}

	sink, err := ws.factory(extract.TableRequest{Schema: "sales", Table: "orders"})
	require.NoError(t, err)

	err = sink.WriteBatch(context.Background(), []string{"id", "customer"}, [][]interface{}{
		{1, "acme"},
		{2, "globex"},
	})
	require.NoError(t, err)
	require.NoError(t, ws.close())

	raw, err := os.ReadFile(filepath.Join(dir, "export", "sales.orders.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, gojson.Unmarshal([]byte(lines[0]), &first))
	assert.EqualValues(t, 1, first["id"])
	assert.Equal(t, "acme", first["customer"])

	assert.EqualValues(t, 2, ws.rows())
}

func TestJSONLSinkSkipsColumnsBeyondRow(t *testing.T) {
	dir := t.TempDir()
	ws := &jsonlWriterSet{outDir: dir}

	sink, err := ws.factory(extract.TableRequest{Table: "orders"})
	require.NoError(t, err)

	err = sink.WriteBatch(context.Background(), []string{"id", "customer", "total"}, [][]interface{}{
		{7, "initech"},
	})
	require.NoError(t, err)
	require.NoError(t, ws.close())

	raw, err := os.ReadFile(filepath.Join(dir, "orders.jsonl"))
	require.NoError(t, err)

	var rec map[string]interface{}
	require.NoError(t, gojson.Unmarshal(raw, &rec))
	assert.Equal(t, "initech", rec["customer"])
	_, ok := rec["total"]
	assert.False(t, ok)
}
