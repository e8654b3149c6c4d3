package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/nibbleworks/pgpubsub/pkg/database"
	"github.com/nibbleworks/pgpubsub/test/util"
	"github.com/stretchr/testify/require"
)

// SharedTestDB is a single PostgreSQL schema shared by multiple test
// replicas. Each replica gets its own connection pool, but all pools point
// at the same schema — this is what lets failover tests run two independent
// PubSub instances against one lock table and watch ownership hand off when
// the first one dies.
type SharedTestDB struct {
	connStrWithSchema string
	baseConnStr       string
	schemaName        string
}

// NewSharedTestDB creates a dedicated schema and registers t.Cleanup to drop
// it once every replica built from it has shut down.
func NewSharedTestDB(t *testing.T) *SharedTestDB {
	t.Helper()
	ctx := context.Background()

	baseConnStr := util.GetBaseConnectionString(t)
	schemaName := util.GenerateSchemaName(t)

	db, err := stdsql.Open("pgx", baseConnStr)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	t.Logf("SharedTestDB: created schema %s", schemaName)
	_ = db.Close()

	s := &SharedTestDB{
		connStrWithSchema: util.AddSearchPathToConnString(baseConnStr, schemaName),
		baseConnStr:       baseConnStr,
		schemaName:        schemaName,
	}

	t.Cleanup(func() {
		cleanDB, err := stdsql.Open("pgx", baseConnStr)
		if err != nil {
			t.Logf("SharedTestDB: warning: could not connect to drop schema %s: %v", schemaName, err)
			return
		}
		defer func() { _ = cleanDB.Close() }()
		_, err = cleanDB.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		if err != nil {
			t.Logf("SharedTestDB: warning: failed to drop schema %s: %v", schemaName, err)
		}
	})

	return s
}

// ConnString returns the shared schema's connection string, suitable for
// pgpubsub.Options.ConnString — each replica should pass this verbatim so
// every replica's dedicated listener connection lands in the same schema.
func (s *SharedTestDB) ConnString() string { return s.connStrWithSchema }

// NewClient creates an independent *database.Client (the demo's audit-log
// database) backed by a fresh connection pool to the shared schema.
func (s *SharedTestDB) NewClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	client, err := database.NewClient(ctx, database.Config{
		ConnURL:         s.connStrWithSchema,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
	})

	return client
}
