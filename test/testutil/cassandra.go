package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	gocqlv2 "github.com/apache/cassandra-gocql-driver/v2"
	"github.com/gocql/gocql"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/cassandra"
)

// CassandraContainer wraps a Cassandra test container.
//
// Seeder is a gocql session bound to Keyspace. Integration tests use it to
// create schema and seed rows independently of the driver under test.
type CassandraContainer struct {
	Container *cassandra.CassandraContainer
	// ContactPoint is the mapped native protocol address as host:port.
	ContactPoint string
	Keyspace     string
	Seeder       *gocql.Session
}

// CassandraOptions configures the Cassandra container.
type CassandraOptions struct {
	// Image is the Cassandra image to use. Defaults to "cassandra:4.1".
	Image string
	// Keyspace is the keyspace to create. Defaults to "cqlwire_test".
	Keyspace string
}

// DefaultCassandraOptions returns default options for Cassandra container.
func DefaultCassandraOptions() CassandraOptions {
	return CassandraOptions{
		Image:    "cassandra:4.1",
		Keyspace: "cqlwire_test",
	}
}

// StartCassandra starts a Cassandra container for testing.
//
// The container is shared by a whole test binary, so the caller terminates
// it with Terminate, typically from TestMain.
//
// Parameters:
//   - ctx: Context for container operations
//   - opts: Optional configuration (nil uses defaults)
//
// Returns:
//   - *CassandraContainer: Container with connection details and seeding session
//   - error: Error if container fails to start
func StartCassandra(ctx context.Context, opts *CassandraOptions) (*CassandraContainer, error) {
	if opts == nil {
		defaultOpts := DefaultCassandraOptions()
		opts = &defaultOpts
	}

	container, err := cassandra.Run(ctx, opts.Image,
		testcontainers.WithEnv(map[string]string{
			"HEAP_NEWSIZE":     "128M",
			"MAX_HEAP_SIZE":    "512M",
			"CASSANDRA_SNITCH": "SimpleSnitch",
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start Cassandra container: %w", err)
	}

	c := &CassandraContainer{Container: container, Keyspace: opts.Keyspace}

	contactPoint, err := container.ConnectionHost(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection host: %w", err)
	}
	c.ContactPoint = contactPoint

	cluster := gocql.NewCluster(contactPoint)
	cluster.Consistency = gocql.One
	cluster.Timeout = 60 * time.Second
	cluster.ConnectTimeout = 60 * time.Second
	// The container advertises its internal address; stay on the mapped port.
	cluster.DisableInitialHostLookup = true

	var session *gocql.Session
	for range 10 {
		session, err = cluster.CreateSession()
		if err == nil {
			break
		}
		time.Sleep(3 * time.Second)
	}
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to create session after retries: %w", err)
	}

	createKeyspaceQuery := fmt.Sprintf(`
		CREATE KEYSPACE IF NOT EXISTS %s
		WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}
	`, opts.Keyspace)

	if err := session.Query(createKeyspaceQuery).Exec(); err != nil {
		session.Close()
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to create keyspace: %w", err)
	}

	session.Close()

	cluster.Keyspace = opts.Keyspace
	session, err = cluster.CreateSession()
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("failed to create session for keyspace %s: %w", opts.Keyspace, err)
	}
	c.Seeder = session

	return c, nil
}

// Terminate closes the seeding session and stops the container.
func (c *CassandraContainer) Terminate(ctx context.Context) error {
	if c.Seeder != nil {
		c.Seeder.Close()
	}

	return c.Container.Terminate(ctx)
}

// Exec runs each statement on the seeding session, failing the test on error.
func (c *CassandraContainer) Exec(t testing.TB, stmts ...string) {
	t.Helper()

	for _, stmt := range stmts {
		if err := c.Seeder.Query(stmt).Exec(); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
}

// NewV2Session opens a session with the apache gocql v2 driver bound to
// Keyspace. The caller closes it.
func (c *CassandraContainer) NewV2Session() (*gocqlv2.Session, error) {
	cluster := gocqlv2.NewCluster(c.ContactPoint)
	cluster.Keyspace = c.Keyspace
	cluster.Consistency = gocqlv2.One
	cluster.Timeout = 30 * time.Second
	cluster.ConnectTimeout = 30 * time.Second
	cluster.DisableInitialHostLookup = true

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocql v2 session: %w", err)
	}

	return session, nil
}
