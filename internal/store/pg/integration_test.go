//go:build integration

package pg

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/sync/errgroup"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/migrate"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
)

// seededAnnualConfig is the annual global template from seeds/0001_global_configs.sql.
const seededAnnualConfig = "01HQ00000000000000000GENR1"

func newPostgresStore(t *testing.T) *Store {
	t.Helper()
	return newPostgresStoreWithPool(t, DefaultPoolConfig())
}

func newPostgresStoreWithPool(t *testing.T, pool PoolConfig) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("registry"),
		tcpostgres.WithUsername("registry"),
		tcpostgres.WithPassword("registry"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	store, err := Open(dsn, pool)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mgr := migrate.NewManager(store.DB(), Migrations(), Seeds())
	if _, err := mgr.Up(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if _, err := mgr.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

func TestPostgresConcurrentRegistration(t *testing.T) {
	store := newPostgresStore(t)
	svc := registry.New(store)
	ctx := context.Background()

	const workers = 50
	var mu sync.Mutex
	var numbers []int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			doc, err := svc.Register(gctx, registry.RegisterRequest{
				RegistrationConfigID: seededAnnualConfig,
				OrganizationUnitID:   "parish-1",
				Category:             registry.CategoryIncoming,
				Subject:              "concurrent",
				CreatedBy:            "clerk",
			})
			if err != nil {
				return err
			}
			mu.Lock()
			numbers = append(numbers, *doc.DocumentNumber)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	require.Len(t, numbers, workers)
	for i, n := range numbers {
		require.Equal(t, int64(i+1), n)
	}
}

func TestPostgresWorkflowScenario(t *testing.T) {
	store := newPostgresStore(t)
	svc := registry.New(store)
	ctx := context.Background()

	doc, err := svc.Register(ctx, registry.RegisterRequest{
		RegistrationConfigID: seededAnnualConfig,
		OrganizationUnitID:   "parish-2",
		Category:             registry.CategoryIncoming,
		Subject:              "request",
		CreatedBy:            "clerk",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), *doc.DocumentNumber)

	step, err := svc.OpenRoute(ctx, registry.OpenRouteRequest{
		DocumentID: doc.ID, FromActorID: "a", ToActorID: "b", Action: registry.ActionSent,
	})
	require.NoError(t, err)

	approved := registry.ResolutionApproved
	_, err = svc.CloseRoute(ctx, registry.CloseRouteRequest{StepID: step.ID, Action: registry.ActionApproved, Resolution: &approved})
	require.NoError(t, err)
	_, err = svc.CloseRoute(ctx, registry.CloseRouteRequest{StepID: step.ID, Action: registry.ActionApproved, Resolution: &approved})
	require.ErrorIs(t, err, registry.ErrStepAlreadyCompleted)

	got, err := svc.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusResolved, got.Status)

	_, err = svc.Archive(ctx, doc.ID, registry.ArchiveRequest{ArchivedBy: "archivist", ArchiveTerm: "10y"})
	require.NoError(t, err)
	_, err = svc.Archive(ctx, doc.ID, registry.ArchiveRequest{ArchivedBy: "archivist"})
	require.ErrorIs(t, err, registry.ErrAlreadyArchived)

	other, err := svc.Register(ctx, registry.RegisterRequest{
		RegistrationConfigID: seededAnnualConfig,
		OrganizationUnitID:   "parish-2",
		Category:             registry.CategoryIncoming,
		Subject:              "reply",
		CreatedBy:            "clerk",
	})
	require.NoError(t, err)
	_, err = svc.Connect(ctx, doc.ID, other.ID, registry.ConnectionResponse, "clerk")
	require.NoError(t, err)
	_, err = svc.Connect(ctx, other.ID, doc.ID, registry.ConnectionResponse, "clerk")
	require.ErrorIs(t, err, registry.ErrDuplicateConnection)
}

func TestPostgresDraftRegistrationOnSingleConnectionPool(t *testing.T) {
	pool := DefaultPoolConfig()
	pool.MaxOpenConns, pool.MaxIdleConns = 1, 1
	store := newPostgresStoreWithPool(t, pool)
	svc := registry.New(store)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const drafts = 10
	var ids []string
	for i := 0; i < drafts; i++ {
		doc, err := svc.CreateDraft(ctx, registry.RegisterRequest{
			RegistrationConfigID: seededAnnualConfig,
			OrganizationUnitID:   "parish-3",
			Category:             registry.CategoryOutgoing,
			Subject:              "draft",
			CreatedBy:            "clerk",
		})
		require.NoError(t, err)
		ids = append(ids, doc.ID)
	}

	var mu sync.Mutex
	var numbers []int64
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			doc, err := svc.TransitionStatus(gctx, id, registry.StatusRegistered, "clerk")
			if err != nil {
				return err
			}
			mu.Lock()
			numbers = append(numbers, *doc.DocumentNumber)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for i, n := range numbers {
		require.Equal(t, int64(i+1), n)
	}
}
