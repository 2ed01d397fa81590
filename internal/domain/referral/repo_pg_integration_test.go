//go:build integration

package referral

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/ehr/referral/internal/platform/db"
	"github.com/ehr/referral/migrations"
)

var (
	pgConnStr string
	pgAdmin   *pgxpool.Pool
	tenantSeq atomic.Int64
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("referraltest"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	pgConnStr, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		os.Exit(1)
	}
	pgAdmin, err = db.NewPool(ctx, pgConnStr, 10, 1)
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		fmt.Fprintf(os.Stderr, "failed to open pool: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	pgAdmin.Close()
	_ = testcontainers.TerminateContainer(container)
	os.Exit(code)
}

// newTenant creates and migrates a fresh tenant schema.
func newTenant(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	tenant := fmt.Sprintf("ledger_%d", tenantSeq.Add(1))
	require.NoError(t, db.CreateTenantSchema(ctx, pgAdmin, tenant, migrations.FS))
	t.Cleanup(func() {
		_, _ = pgAdmin.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+db.SchemaName(tenant)+" CASCADE")
	})
	return tenant
}

// tenantPool returns a pool whose connections all resolve tables in the
// tenant's schema, so concurrent callers do not share one connection.
func tenantPool(t *testing.T, tenant string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(pgConnStr)
	require.NoError(t, err)
	cfg.MaxConns = 10
	cfg.ConnConfig.RuntimeParams["search_path"] = db.SchemaName(tenant) + ", public"
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresRepo_LedgerContract(t *testing.T) {
	runLedgerSuite(t, func(t *testing.T) Repository {
		return NewRepo(tenantPool(t, newTenant(t)))
	})
}

func TestPostgresRepo_RejectsUpdatesToCommittedEntries(t *testing.T) {
	tenant := newTenant(t)
	pool := tenantPool(t, tenant)
	repo := NewRepo(pool)
	ctx := context.Background()

	_, initial := seedCase(t, repo, "Facility A", strPtr("Facility B"))

	_, err := pool.Exec(ctx, `UPDATE referral_history SET note = 'rewritten' WHERE id = $1`, initial.ID)
	assert.Error(t, err, "committed entries must be immutable")

	_, err = pool.Exec(ctx, `DELETE FROM referral_history WHERE id = $1`, initial.ID)
	assert.Error(t, err, "history rows must never be deleted")
}

func TestPostgresRepo_TenantConnection(t *testing.T) {
	tenant := newTenant(t)
	ctx, release, err := db.AcquireTenant(context.Background(), pgAdmin, tenant)
	require.NoError(t, err)
	defer release()

	svc := NewService(NewRepo(pgAdmin), nil)
	dest := "Facility B"
	c, err := svc.CreateCase(ctx, CreateCaseInput{
		SubjectName:      "John Doe",
		OriginParty:      "Facility A",
		DestinationParty: &dest,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Accept(ctx, c.ID, "Dr. X"))
	require.NoError(t, svc.Advance(ctx, c.ID, StatusInTransit))
	require.NoError(t, svc.Arrive(ctx, c.ID))

	steps, err := svc.GetTimeline(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, "Facility A", steps[2].LocationAtStep)
	assert.Equal(t, "Facility B", steps[3].LocationAtStep)

	// The same case is invisible from another tenant's schema.
	other := newTenant(t)
	otherCtx, otherRelease, err := db.AcquireTenant(context.Background(), pgAdmin, other)
	require.NoError(t, err)
	defer otherRelease()
	_, err = svc.GetCase(otherCtx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRepo_TimestampsRoundTrip(t *testing.T) {
	repo := NewRepo(tenantPool(t, newTenant(t)))
	ctx := context.Background()
	c, _ := seedCase(t, repo, "Facility A", nil)

	got, err := repo.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(suiteBase.Truncate(time.Microsecond)))
}
