package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/cargo-engine/engine"
	"github.com/meridian/cargo-engine/engine/store"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

var testNow = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	eng      *engine.Engine
	store    *store.Memory
	notifier *store.MemoryNotifier
}

// newTestEnv wires an engine against the in-memory store with a pinned
// clock and sequential ids, and seeds one project:
//
//	PRJ-1 "MV Atlas", total 1000t, active
//	  client CL-A quota 400t, client CL-B quota 600t
//	  depot  DEP-1 quota 500t
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	nt := store.NewMemoryNotifier()

	log := logrus.New()
	log.SetOutput(io.Discard)

	var seq int64
	eng := engine.New(st, nt,
		engine.WithClock(func() time.Time { return testNow }),
		engine.WithLogger(log),
		engine.WithIDGenerator(func() string {
			return fmt.Sprintf("rec-%d", atomic.AddInt64(&seq, 1))
		}),
	)

	require.NoError(t, st.SaveProject(ctx, engine.Project{
		ID:              "PRJ-1",
		Name:            "MV Atlas - Wheat",
		Ship:            "MV Atlas",
		Port:            "Dakar",
		Product:         "wheat",
		TotalAuthorized: engine.NewWeightFromInt(1000),
		Active:          true,
		Companies:       []string{"TransSahel", "Fret Express"},
	}))
	require.NoError(t, st.SaveClientQuota(ctx, engine.ClientQuota{
		ClientID: "CL-A", ProjectID: "PRJ-1", Authorized: engine.NewWeightFromInt(400),
	}))
	require.NoError(t, st.SaveClientQuota(ctx, engine.ClientQuota{
		ClientID: "CL-B", ProjectID: "PRJ-1", Authorized: engine.NewWeightFromInt(600),
	}))
	require.NoError(t, st.SaveDepotQuota(ctx, engine.DepotQuota{
		DepotID: "DEP-1", ProjectID: "PRJ-1", Authorized: engine.NewWeightFromInt(500),
	}))

	return &testEnv{eng: eng, store: st, notifier: nt}
}

// voyageTo builds a voyage candidate delivering net tonnes to a client.
func voyageTo(clientID, bon, ticket string, net int) engine.Candidate {
	return engine.Candidate{Record: engine.DeliveryRecord{
		Side:        engine.SideVoyage,
		ProjectID:   "PRJ-1",
		Key:         engine.BusinessKey{BonLivraison: bon, Ticket: ticket},
		ClientID:    clientID,
		Net:         engine.NewWeightFromInt(net),
		OccurredAt:  testNow,
		Truck:       "DK-1234-AB",
		Driver:      "M. Diop",
		Transporter: "TransSahel",
		Company:     "TransSahel",
	}}
}

// voyageToDepot is voyageTo with a depot destination.
func voyageToDepot(depotID, bon, ticket string, net int) engine.Candidate {
	c := voyageTo("", bon, ticket, net)
	c.Record.DepotID = depotID
	return c
}

// dechargementTo builds an unloading-side candidate; net derives from
// gross - tare at commit time.
func dechargementTo(clientID, bon, ticket string, gross, tare float64) engine.Candidate {
	return engine.Candidate{Record: engine.DeliveryRecord{
		Side:        engine.SideDechargement,
		ProjectID:   "PRJ-1",
		Key:         engine.BusinessKey{BonLivraison: bon, Ticket: ticket},
		ClientID:    clientID,
		Gross:       engine.NewWeight(gross),
		Tare:        engine.NewWeight(tare),
		OccurredAt:  testNow,
		Truck:       "DK-1234-AB",
		Driver:      "M. Diop",
		Transporter: "TransSahel",
		Company:     "TransSahel",
	}}
}

func strPtr(s string) *string                  { return &s }
func weightPtr(w engine.Weight) *engine.Weight { return &w }

// =============================================================================
// COMMIT
// =============================================================================

func TestCommitDelivery_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.eng.CommitDelivery(ctx, voyageTo("CL-A", "BL-100", "T-100", 25))
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, testNow, rec.CreatedAt)
	assert.Equal(t, testNow, rec.UpdatedAt)

	// A voyage captures the destination's remaining quota before this
	// delivery, for display on the printed bon.
	require.NotNil(t, rec.ResteSnapshot)
	assert.True(t, rec.ResteSnapshot.Equal(engine.NewWeightFromInt(400)),
		"snapshot should be remaining before commit, got %s", rec.ResteSnapshot)

	remaining, err := env.eng.RemainingFor(ctx, engine.ClientScope("CL-A"), "PRJ-1", nil)
	require.NoError(t, err)
	assert.True(t, remaining.Equal(engine.NewWeightFromInt(375)))
}

func TestCommitDelivery_DechargementDerivesNetAndSkipsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.eng.CommitDelivery(ctx, dechargementTo("CL-A", "BL-101", "T-101", 42.5, 18.3))
	require.NoError(t, err)

	assert.True(t, rec.Net.Equal(engine.NewWeight(24.2)), "net = gross - tare, got %s", rec.Net)
	assert.Nil(t, rec.ResteSnapshot)
}

func TestCommitDelivery_GrossMustExceedTare(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.eng.CommitDelivery(context.Background(), dechargementTo("CL-A", "BL-102", "T-102", 18.0, 18.0))
	assert.ErrorIs(t, err, engine.ErrInvalidWeight)
}

func TestCommitDelivery_SoftOverrunRequiresConfirmation(t *testing.T) {
	// GIVEN: Client CL-A has 400t authorized and 350t consumed
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.eng.CommitDelivery(ctx, voyageTo("CL-A", "BL-200", "T-200", 350))
	require.NoError(t, err)

	// WHEN: Committing another 100t without confirmation
	_, err = env.eng.CommitDelivery(ctx, voyageTo("CL-A", "BL-201", "T-201", 100))

	// THEN: The commit is held for confirmation with the exact excess
	var soft *engine.SoftOverrunError
	require.ErrorAs(t, err, &soft)
	assert.True(t, engine.IsConfirmable(err))
	assert.Equal(t, engine.ClientScope("CL-A"), soft.Scope)
	assert.True(t, soft.Remaining.Equal(engine.NewWeightFromInt(50)))
	assert.True(t, soft.Excess.Equal(engine.NewWeightFromInt(50)))

	// AND: Nothing was persisted
	consumed, err := env.eng.Ledger().Consumed(ctx, engine.ClientScope("CL-A"), "PRJ-1", nil)
	require.NoError(t, err)
	assert.True(t, consumed.Equal(engine.NewWeightFromInt(350)))

	// WHEN: The operator confirms
	confirmed := voyageTo("CL-A", "BL-201", "T-201", 100)
	confirmed.ConfirmOverrun = true
	_, err = env.eng.CommitDelivery(ctx, confirmed)
	require.NoError(t, err)

	// THEN: Remaining goes negative and stays signed
	remaining, err := env.eng.RemainingFor(ctx, engine.ClientScope("CL-A"), "PRJ-1", nil)
	require.NoError(t, err)
	assert.True(t, remaining.Equal(engine.NewWeightFromInt(-50)), "remaining must not clamp, got %s", remaining)
}

func TestCommitDelivery_ProjectCeilingIsNeverConfirmable(t *testing.T) {
	// GIVEN: Project consumed 950t of 1000t, depot DEP-1 has 150t headroom
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.eng.CommitDelivery(ctx, voyageTo("CL-B", "BL-300", "T-300", 600))
	require.NoError(t, err)
	_, err = env.eng.CommitDelivery(ctx, voyageToDepot("DEP-1", "BL-301", "T-301", 350))
	require.NoError(t, err)

	// WHEN: Committing 100t to the depot, confirmation flag set
	c := voyageToDepot("DEP-1", "BL-302", "T-302", 100)
	c.ConfirmOverrun = true
	_, err = env.eng.CommitDelivery(ctx, c)

	// THEN: Rejected outright; destination headroom is irrelevant
	var hard *engine.QuotaExceededError
	require.ErrorAs(t, err, &hard)
	assert.ErrorIs(t, err, engine.ErrQuotaExceeded)
	assert.False(t, engine.IsConfirmable(err))
	assert.True(t, hard.Remaining.Equal(engine.NewWeightFromInt(50)))
	assert.True(t, hard.Shortfall.Equal(engine.NewWeightFromInt(50)))
}

func TestCommitDelivery_DuplicateBusinessKeySameSide(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.eng.CommitDelivery(ctx, voyageTo("CL-A", "BL-400", "T-400", 20))
	require.NoError(t, err)

	_, err = env.eng.CommitDelivery(ctx, voyageTo("CL-B", "BL-400", "T-400", 20))
	assert.ErrorIs(t, err, engine.ErrDuplicateBusinessKey)

	// The opposite side may reuse the key; that is how pairs form.
	_, err = env.eng.CommitDelivery(ctx, dechargementTo("CL-A", "BL-400", "T-400", 40, 20))
	assert.NoError(t, err)
}

func TestCommitDelivery_SecondSideOfPairIsNotRechargedAgainstQuotas(t *testing.T) {
	// GIVEN: One voyage consuming the project and its destination exactly
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SaveClientQuota(ctx, engine.ClientQuota{
		ClientID: "CL-C", ProjectID: "PRJ-1", Authorized: engine.NewWeightFromInt(1000),
	}))
	_, err := env.eng.CommitDelivery(ctx, voyageTo("CL-C", "BL-410", "T-410", 1000))
	require.NoError(t, err)

	// WHEN: The dechargement for the same delivery arrives
	_, err = env.eng.CommitDelivery(ctx, dechargementTo("CL-C", "BL-410", "T-410", 1020, 20))

	// THEN: It completes the pair without confirmation or rejection; the
	// physical delivery was already counted through the voyage
	require.NoError(t, err)

	consumed, err := env.eng.Ledger().Consumed(ctx, engine.ProjectScope(), "PRJ-1", nil)
	require.NoError(t, err)
	assert.True(t, consumed.Equal(engine.NewWeightFromInt(1000)), "project consumed %s", consumed)

	// A genuinely new delivery still hits the exhausted ceiling.
	_, err = env.eng.CommitDelivery(ctx, voyageTo("CL-C", "BL-411", "T-411", 1))
	assert.ErrorIs(t, err, engine.ErrQuotaExceeded)
}

func TestCommitDelivery_DestinationInvariant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	both := voyageTo("CL-A", "BL-500", "T-500", 10)
	both.Record.DepotID = "DEP-1"
	_, err := env.eng.CommitDelivery(ctx, both)
	assert.ErrorIs(t, err, engine.ErrInvalidDestination)

	neither := voyageTo("", "BL-501", "T-501", 10)
	_, err = env.eng.CommitDelivery(ctx, neither)
	assert.ErrorIs(t, err, engine.ErrInvalidDestination)
}

func TestCommitDelivery_ProjectChecks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	unknown := voyageTo("CL-A", "BL-600", "T-600", 10)
	unknown.Record.ProjectID = "PRJ-missing"
	_, err := env.eng.CommitDelivery(ctx, unknown)
	assert.ErrorIs(t, err, engine.ErrProjectNotFound)

	require.NoError(t, env.store.SaveProject(ctx, engine.Project{
		ID: "PRJ-closed", Name: "Closed lot", TotalAuthorized: engine.NewWeightFromInt(100),
		Active: false,
	}))
	closed := voyageTo("CL-A", "BL-601", "T-601", 10)
	closed.Record.ProjectID = "PRJ-closed"
	_, err = env.eng.CommitDelivery(ctx, closed)
	assert.ErrorIs(t, err, engine.ErrProjectInactive)

	foreign := voyageTo("CL-A", "BL-602", "T-602", 10)
	foreign.Record.Company = "Not A Carrier"
	_, err = env.eng.CommitDelivery(ctx, foreign)
	assert.ErrorIs(t, err, engine.ErrCompanyNotInProject)
}

func TestCommitDelivery_UnknownDestinationQuota(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.eng.CommitDelivery(context.Background(), voyageTo("CL-unknown", "BL-700", "T-700", 10))
	assert.ErrorIs(t, err, engine.ErrQuotaNotFound)
}

// =============================================================================
// UPDATE
// =============================================================================

func TestUpdateDelivery_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.eng.CommitDelivery(ctx, voyageTo("CL-A", "BL-800", "T-800", 25))
	require.NoError(t, err)

	ch := engine.Changes{
		Net:   weightPtr(engine.NewWeightFromInt(30)),
		Truck: strPtr("DK-9999-ZZ"),
	}
	first, err := env.eng.UpdateDelivery(ctx, rec.ID, ch)
	require.NoError(t, err)
	second, err := env.eng.UpdateDelivery(ctx, rec.ID, ch)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, second.Net.Equal(engine.NewWeightFromInt(30)))
	assert.Equal(t, "DK-9999-ZZ", second.Truck)
}

func TestUpdateDelivery_OwnWeightDoesNotCountAgainstItself(t *testing.T) {
	// GIVEN: CL-A sits exactly at its 400t quota from one record
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.eng.CommitDelivery(ctx, voyageTo("CL-A", "BL-900", "T-900", 400))
	require.NoError(t, err)

	// WHEN: Correcting that record to 390t
	// THEN: No overrun; the record's previous 400t is excluded from the check
	_, err = env.eng.UpdateDelivery(ctx, rec.ID, engine.Changes{Net: weightPtr(engine.NewWeightFromInt(390))})
	assert.NoError(t, err)

	// But raising it past the quota still requires confirmation.
	_, err = env.eng.UpdateDelivery(ctx, rec.ID, engine.Changes{Net: weightPtr(engine.NewWeightFromInt(410))})
	assert.ErrorIs(t, err, engine.ErrSoftOverrun)
}

func TestUpdateDelivery_DestinationSwitchClearsPrevious(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.eng.CommitDelivery(ctx, voyageTo("CL-A", "BL-901", "T-901", 25))
	require.NoError(t, err)

	updated, err := env.eng.UpdateDelivery(ctx, rec.ID, engine.Changes{DepotID: strPtr("DEP-1")})
	require.NoError(t, err)
	assert.Empty(t, updated.ClientID)
	assert.Equal(t, "DEP-1", updated.DepotID)

	// Naming both destinations in one change set is rejected.
	_, err = env.eng.UpdateDelivery(ctx, rec.ID, engine.Changes{
		ClientID: strPtr("CL-B"),
		DepotID:  strPtr("DEP-1"),
	})
	assert.ErrorIs(t, err, engine.ErrInvalidDestinationChange)
}

func TestUpdateDelivery_GrossTareEditRecomputesNet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.eng.CommitDelivery(ctx, dechargementTo("CL-A", "BL-902", "T-902", 40, 18))
	require.NoError(t, err)
	require.True(t, rec.Net.Equal(engine.NewWeightFromInt(22)))

	updated, err := env.eng.UpdateDelivery(ctx, rec.ID, engine.Changes{Tare: weightPtr(engine.NewWeight(17.5))})
	require.NoError(t, err)
	assert.True(t, updated.Net.Equal(engine.NewWeight(22.5)))
}

func TestUpdateDelivery_KeyChangeChecksUniqueness(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.eng.CommitDelivery(ctx, voyageTo("CL-A", "BL-903", "T-903", 10))
	require.NoError(t, err)
	rec, err := env.eng.CommitDelivery(ctx, voyageTo("CL-A", "BL-904", "T-904", 10))
	require.NoError(t, err)

	_, err = env.eng.UpdateDelivery(ctx, rec.ID, engine.Changes{
		Key: &engine.BusinessKey{BonLivraison: "BL-903", Ticket: "T-903"},
	})
	assert.ErrorIs(t, err, engine.ErrDuplicateBusinessKey)
}

func TestUpdateDelivery_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.eng.UpdateDelivery(context.Background(), "no-such-id", engine.Changes{})
	assert.ErrorIs(t, err, engine.ErrRecordNotFound)
}

// =============================================================================
// DELETE
// =============================================================================

func TestDeleteDelivery_CascadesToPairedRecord(t *testing.T) {
	// GIVEN: A linked voyage/dechargement pair
	env := newTestEnv(t)
	ctx := context.Background()

	v, err := env.eng.CommitDelivery(ctx, voyageTo("CL-A", "BL-910", "T-910", 22))
	require.NoError(t, err)
	d, err := env.eng.CommitDelivery(ctx, dechargementTo("CL-A", "BL-910", "T-910", 40, 18))
	require.NoError(t, err)

	// WHEN: Deleting the voyage
	result, err := env.eng.DeleteDelivery(ctx, v.ID)
	require.NoError(t, err)

	// THEN: Both sides are gone
	assert.True(t, result.PrimaryDeleted)
	assert.True(t, result.PairedDeleted)
	_, err = env.store.GetDelivery(ctx, d.ID)
	assert.ErrorIs(t, err, engine.ErrRecordNotFound)

	// AND: Exactly one non-deletable DANGER notification records the cascade
	notes := env.notifier.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, engine.LevelDanger, notes[0].Level)
	assert.False(t, notes[0].Deletable)
	assert.Contains(t, notes[0].Message, "BL-910")
	assert.Contains(t, notes[0].Message, string(engine.SideVoyage))
	assert.Contains(t, notes[0].Message, string(engine.SideDechargement))
}

func TestDeleteDelivery_UnpairedEmitsWarning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.eng.CommitDelivery(ctx, voyageTo("CL-A", "BL-911", "T-911", 22))
	require.NoError(t, err)

	result, err := env.eng.DeleteDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, result.PrimaryDeleted)
	assert.False(t, result.PairedDeleted)

	notes := env.notifier.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, engine.LevelWarning, notes[0].Level)
	assert.True(t, notes[0].Deletable)
}

func TestDeleteDelivery_NotificationFailureDoesNotUndoDeletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.eng.CommitDelivery(ctx, voyageTo("CL-A", "BL-912", "T-912", 22))
	require.NoError(t, err)

	env.notifier.FailNext = true
	result, err := env.eng.DeleteDelivery(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, result.PrimaryDeleted)

	_, err = env.store.GetDelivery(ctx, rec.ID)
	assert.ErrorIs(t, err, engine.ErrRecordNotFound)
	assert.Empty(t, env.notifier.Notifications())
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentCommits_ProjectCeilingHolds(t *testing.T) {
	// GIVEN: A 1000t project and two concurrent 600t commits to different
	// clients, each individually admissible at its destination
	env := newTestEnv(t)
	ctx := context.Background()

	commits := []engine.Candidate{
		voyageTo("CL-B", "BL-920", "T-920", 600),
		func() engine.Candidate {
			c := voyageTo("CL-A", "BL-921", "T-921", 600)
			c.ConfirmOverrun = true // CL-A quota is 400t; accept the soft overrun
			return c
		}(),
	}

	errs := make([]error, len(commits))
	var wg sync.WaitGroup
	for i, c := range commits {
		wg.Add(1)
		go func(i int, c engine.Candidate) {
			defer wg.Done()
			_, errs[i] = env.eng.CommitDelivery(ctx, c)
		}(i, c)
	}
	wg.Wait()

	// THEN: Exactly one commit lands; the other breaks the ceiling
	var ok, hard int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, engine.ErrQuotaExceeded):
			hard++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, hard)

	consumed, err := env.eng.Ledger().Consumed(ctx, engine.ProjectScope(), "PRJ-1", nil)
	require.NoError(t, err)
	assert.True(t, consumed.Equal(engine.NewWeightFromInt(600)), "project consumed %s", consumed)
}
