//go:build integration

package ensembleql_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rickchristie/govner/pgflock/client"

	"github.com/gridcast/ensembleql"
)

const (
	pgflockLockerPort = 9776
	pgflockPassword   = "pgflock"
)

func acquireTestDB(t *testing.T) string {
	t.Helper()
	connStr, err := client.Lock(pgflockLockerPort, t.Name(), pgflockPassword)
	if err != nil {
		t.Fatalf("Failed to acquire test database: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Unlock(pgflockLockerPort, pgflockPassword, connStr)
	})
	return connStr
}

func defaultConfig() ensembleql.Config {
	c := ensembleql.Config{}.WithDefaults()
	c.Pool.MinConns = 1
	c.Pool.MaxConns = 5
	c.Timezone = "UTC"
	return c
}

// seedSQL creates the weather ensemble table with 3 paths x 24 hours for one
// location and variable.
const seedSQL = `
CREATE TABLE weather_forecast_ensemble (
    initialization timestamptz NOT NULL,
    project_name text NOT NULL,
    location text NOT NULL,
    variable text NOT NULL,
    valid_datetime timestamptz NOT NULL,
    ensemble_path int NOT NULL,
    ensemble_value double precision
) PARTITION BY RANGE (initialization);

CREATE TABLE weather_forecast_ensemble_2025_01 PARTITION OF weather_forecast_ensemble
    FOR VALUES FROM ('2025-01-01') TO ('2025-02-01');

CREATE INDEX wfe_valid_idx ON weather_forecast_ensemble (valid_datetime);

INSERT INTO weather_forecast_ensemble
SELECT '2025-01-15T00:00:00Z'::timestamptz,
       'north_sea_wind',
       'hornsea',
       'wind_speed_100m',
       '2025-01-15T00:00:00Z'::timestamptz + h * interval '1 hour',
       p,
       5 + p + h * 0.25
FROM generate_series(0, 23) AS h, generate_series(1, 3) AS p;
`

// newSeededEngine locks a database, seeds it through a direct connection
// (the engine itself is read-only), and returns an engine over it.
func newSeededEngine(t *testing.T, config ensembleql.Config) *ensembleql.Engine {
	t.Helper()
	connStr := acquireTestDB(t)
	ctx := context.Background()

	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect for seeding: %v", err)
	}
	if _, err := conn.Exec(ctx, seedSQL); err != nil {
		conn.Close(ctx)
		t.Fatalf("seed failed: %v", err)
	}
	conn.Close(ctx)

	e, err := ensembleql.New(ctx, connStr, config, configTestLogger())
	if err != nil {
		t.Fatalf("Failed to create Engine: %v", err)
	}
	t.Cleanup(func() { e.Close(ctx) })
	return e
}
