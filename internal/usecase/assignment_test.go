package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

type assignmentFixture struct {
	service     *AssignmentService
	assignments *assignmentRepoMock
	sink        *auditSinkMock
	publisher   *publisherMock
	metrics     *Metrics
	user        domain.User
	role        domain.Role
	now         time.Time
}

func newAssignmentFixture(t *testing.T) *assignmentFixture {
	t.Helper()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	user := mustUser("alice", "alice@example.com")
	role := mustRole("editor")

	metrics, err := NewMetrics(MetricsOptions{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	sink := &auditSinkMock{}
	publisher := &publisherMock{}
	assignments := newAssignmentRepoMock()
	auditor := NewAuditor(sink).WithClock(fixedClock(now))

	service := NewAssignmentService(assignments, newUserRepoMock(user), newRoleRepoMock(role), auditor).
		WithPublisher(publisher).
		WithMetrics(metrics).
		WithLogger(zaptest.NewLogger(t)).
		WithClock(fixedClock(now))

	return &assignmentFixture{
		service:     service,
		assignments: assignments,
		sink:        sink,
		publisher:   publisher,
		metrics:     metrics,
		user:        user,
		role:        role,
		now:         now,
	}
}

func TestAssignmentService_AssignCreatesActiveAssignment(t *testing.T) {
	f := newAssignmentFixture(t)
	actor := domain.Actor{ID: "admin-1", Type: domain.ActorUser}

	assignment, err := f.service.Assign(context.Background(), actor, AssignInput{
		UserID:       f.user.ID,
		RoleID:       f.role.ID,
		Scope:        domain.ScopeTenant,
		ScopeContext: " t1 ",
	})
	if err != nil {
		t.Fatalf("Assign returned error: %v", err)
	}

	if assignment.Status != domain.AssignmentActive {
		t.Fatalf("expected ACTIVE, got %s", assignment.Status)
	}
	if assignment.ScopeContext != "t1" {
		t.Fatalf("expected trimmed scope context, got %q", assignment.ScopeContext)
	}
	if !assignment.EffectiveFrom.Equal(f.now) {
		t.Fatalf("expected effective from to default to now, got %v", assignment.EffectiveFrom)
	}
	if assignment.AssignedBy != actor.ID {
		t.Fatalf("expected assigned by %s, got %s", actor.ID, assignment.AssignedBy)
	}
	if assignment.Version != 1 {
		t.Fatalf("expected version 1, got %d", assignment.Version)
	}

	audits := f.sink.byType(domain.EventRoleAssigned)
	if len(audits) != 1 {
		t.Fatalf("expected one ROLE_ASSIGNED audit entry, got %d", len(audits))
	}
	if audits[0].Resource != "role:editor" || audits[0].SubjectID != f.user.ID.String() {
		t.Fatalf("unexpected audit entry %+v", audits[0])
	}
	if len(f.publisher.assigned) != 1 || f.publisher.assigned[0].RolesAdded[0].RoleName != "editor" {
		t.Fatalf("expected roles assigned event, got %+v", f.publisher.assigned)
	}
}

func TestAssignmentService_AssignGlobalDropsScopeContext(t *testing.T) {
	f := newAssignmentFixture(t)

	assignment, err := f.service.Assign(context.Background(), domain.SystemActor, AssignInput{
		UserID:       f.user.ID,
		RoleID:       f.role.ID,
		ScopeContext: "ignored",
	})
	if err != nil {
		t.Fatalf("Assign returned error: %v", err)
	}
	if assignment.Scope != domain.ScopeGlobal || assignment.ScopeContext != "" {
		t.Fatalf("expected GLOBAL without context, got %s/%q", assignment.Scope, assignment.ScopeContext)
	}
}

func TestAssignmentService_AssignValidation(t *testing.T) {
	f := newAssignmentFixture(t)
	past := f.now.Add(-time.Hour)

	cases := []struct {
		name  string
		input AssignInput
		want  error
	}{
		{"tenant without context", AssignInput{UserID: f.user.ID, RoleID: f.role.ID, Scope: domain.ScopeTenant}, domain.ErrInvalidScope},
		{"unknown scope", AssignInput{UserID: f.user.ID, RoleID: f.role.ID, Scope: "PLANET", ScopeContext: "x"}, domain.ErrInvalidScope},
		{"empty window", AssignInput{UserID: f.user.ID, RoleID: f.role.ID, EffectiveFrom: f.now, EffectiveUntil: &past}, domain.ErrInvalidWindow},
		{"unknown user", AssignInput{UserID: domain.NewID[domain.User](), RoleID: f.role.ID}, domain.ErrNotFound},
		{"unknown role", AssignInput{UserID: f.user.ID, RoleID: domain.NewID[domain.Role]()}, domain.ErrNotFound},
		{"missing ids", AssignInput{}, domain.ErrInvalidInput},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.Assign(context.Background(), domain.SystemActor, tc.input)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if len(f.assignments.assignments) != 0 {
		t.Fatalf("expected no assignment to be stored")
	}
	if domain.KindOf(domain.ErrInvalidWindow) != domain.KindInvalidInput {
		t.Fatalf("invalid window must classify as invalid input")
	}
}

func TestAssignmentService_RevokeTwiceFailsWithAlreadyTerminal(t *testing.T) {
	f := newAssignmentFixture(t)
	ctx := context.Background()

	assignment, err := f.service.Assign(ctx, domain.SystemActor, AssignInput{UserID: f.user.ID, RoleID: f.role.ID})
	if err != nil {
		t.Fatalf("Assign returned error: %v", err)
	}

	revoked, err := f.service.Revoke(ctx, domain.SystemActor, assignment.ID, "left team")
	if err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if revoked.Status != domain.AssignmentRevoked {
		t.Fatalf("expected REVOKED, got %s", revoked.Status)
	}
	if revoked.RevokeReason == nil || *revoked.RevokeReason != "left team" {
		t.Fatalf("expected revoke reason to be stored")
	}

	_, err = f.service.Revoke(ctx, domain.SystemActor, assignment.ID, "again")
	if !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}

	if got := len(f.sink.byType(domain.EventRoleRevoked)); got != 1 {
		t.Fatalf("expected one ROLE_REVOKED audit entry, got %d", got)
	}
	if len(f.publisher.revoked) != 1 {
		t.Fatalf("expected one revoked event, got %d", len(f.publisher.revoked))
	}
}

func TestAssignmentService_RevokeExpiredFailsWithAlreadyTerminal(t *testing.T) {
	f := newAssignmentFixture(t)
	until := f.now.Add(-time.Minute)

	stale := domain.UserRoleAssignment{
		ID:             domain.NewID[domain.UserRoleAssignment](),
		UserID:         f.user.ID,
		RoleID:         f.role.ID,
		Scope:          domain.ScopeGlobal,
		EffectiveFrom:  f.now.Add(-time.Hour),
		EffectiveUntil: &until,
		Status:         domain.AssignmentActive,
	}
	expired := stale
	expired.ID = domain.NewID[domain.UserRoleAssignment]()
	expired.Status = domain.AssignmentExpired
	f.assignments.assignments[stale.ID] = stale
	f.assignments.assignments[expired.ID] = expired

	for _, id := range []domain.AssignmentID{stale.ID, expired.ID} {
		if _, err := f.service.Revoke(context.Background(), domain.SystemActor, id, ""); !errors.Is(err, domain.ErrAlreadyTerminal) {
			t.Fatalf("expected ErrAlreadyTerminal for %s, got %v", id, err)
		}
	}
}

func TestAssignmentService_RevokeUnknown(t *testing.T) {
	f := newAssignmentFixture(t)

	_, err := f.service.Revoke(context.Background(), domain.SystemActor, domain.NewID[domain.UserRoleAssignment](), "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAssignmentService_EffectiveAssignmentsExcludesLapsed(t *testing.T) {
	f := newAssignmentFixture(t)
	ctx := context.Background()
	until := f.now.Add(-time.Minute)
	future := f.now.Add(time.Hour)

	current := domain.UserRoleAssignment{
		ID: domain.NewID[domain.UserRoleAssignment](), UserID: f.user.ID, RoleID: f.role.ID,
		Scope: domain.ScopeTenant, ScopeContext: "t1", EffectiveFrom: f.now.Add(-time.Hour), Status: domain.AssignmentActive,
	}
	secondContext := current
	secondContext.ID = domain.NewID[domain.UserRoleAssignment]()
	secondContext.ScopeContext = "t2"
	lapsed := current
	lapsed.ID = domain.NewID[domain.UserRoleAssignment]()
	lapsed.EffectiveUntil = &until
	scheduled := current
	scheduled.ID = domain.NewID[domain.UserRoleAssignment]()
	scheduled.EffectiveFrom = future

	for _, a := range []domain.UserRoleAssignment{current, secondContext, lapsed, scheduled} {
		f.assignments.assignments[a.ID] = a
	}

	effective, err := f.service.EffectiveAssignments(ctx, f.user.ID, f.now)
	if err != nil {
		t.Fatalf("EffectiveAssignments returned error: %v", err)
	}
	if len(effective) != 2 {
		t.Fatalf("expected both scope contexts to stay effective, got %d", len(effective))
	}
	for _, a := range effective {
		if a.ID == lapsed.ID || a.ID == scheduled.ID {
			t.Fatalf("assignment %s should not be effective", a.ID)
		}
	}

	if len(f.assignments.marked) != 1 || f.assignments.marked[0] != lapsed.ID {
		t.Fatalf("expected lapsed assignment to be persisted as expired, got %v", f.assignments.marked)
	}
	if got := len(f.sink.byType(domain.EventRoleExpired)); got != 1 {
		t.Fatalf("expected one ROLE_EXPIRED audit entry, got %d", got)
	}
	if got := testutil.ToFloat64(f.metrics.ExpiredSwept); got != 1 {
		t.Fatalf("expected expired counter 1, got %v", got)
	}
}

func TestAssignmentService_EffectiveAssignmentsIgnoresExpiryPersistFailure(t *testing.T) {
	f := newAssignmentFixture(t)
	until := f.now.Add(-time.Second)
	f.assignments.markErr = errors.New("db down")

	lapsed := domain.UserRoleAssignment{
		ID: domain.NewID[domain.UserRoleAssignment](), UserID: f.user.ID, RoleID: f.role.ID,
		Scope: domain.ScopeGlobal, EffectiveFrom: f.now.Add(-time.Hour), EffectiveUntil: &until, Status: domain.AssignmentActive,
	}
	f.assignments.assignments[lapsed.ID] = lapsed

	effective, err := f.service.EffectiveAssignments(context.Background(), f.user.ID, f.now)
	if err != nil {
		t.Fatalf("expected advisory persistence failure to be swallowed, got %v", err)
	}
	if len(effective) != 0 {
		t.Fatalf("expected no effective assignments, got %d", len(effective))
	}
}

func TestAssignmentService_EffectiveAssignmentsInFutureDoesNotPersist(t *testing.T) {
	f := newAssignmentFixture(t)
	until := f.now.Add(time.Hour)

	a := domain.UserRoleAssignment{
		ID: domain.NewID[domain.UserRoleAssignment](), UserID: f.user.ID, RoleID: f.role.ID,
		Scope: domain.ScopeGlobal, EffectiveFrom: f.now.Add(-time.Hour), EffectiveUntil: &until, Status: domain.AssignmentActive,
	}
	f.assignments.assignments[a.ID] = a

	effective, err := f.service.EffectiveAssignments(context.Background(), f.user.ID, f.now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("EffectiveAssignments returned error: %v", err)
	}
	if len(effective) != 0 {
		t.Fatalf("expected assignment to be ineffective in the future")
	}
	if len(f.assignments.marked) != 0 {
		t.Fatalf("a hypothetical future read must not persist expiry")
	}
}

func TestAssignmentService_ListAssignmentsReportsObservableStatus(t *testing.T) {
	f := newAssignmentFixture(t)
	until := f.now.Add(-time.Minute)

	a := domain.UserRoleAssignment{
		ID: domain.NewID[domain.UserRoleAssignment](), UserID: f.user.ID, RoleID: f.role.ID,
		Scope: domain.ScopeGlobal, EffectiveFrom: f.now.Add(-time.Hour), EffectiveUntil: &until, Status: domain.AssignmentActive,
	}
	f.assignments.assignments[a.ID] = a

	all, err := f.service.ListAssignments(context.Background(), f.user.ID, f.now)
	if err != nil {
		t.Fatalf("ListAssignments returned error: %v", err)
	}
	if len(all) != 1 || all[0].Status != domain.AssignmentExpired {
		t.Fatalf("expected assignment reported as EXPIRED, got %+v", all)
	}
}

func TestAssignmentService_ExpireDue(t *testing.T) {
	f := newAssignmentFixture(t)
	until := f.now.Add(-time.Minute)

	for i := 0; i < 3; i++ {
		a := domain.UserRoleAssignment{
			ID: domain.NewID[domain.UserRoleAssignment](), UserID: f.user.ID, RoleID: f.role.ID,
			Scope: domain.ScopeGlobal, EffectiveFrom: f.now.Add(-time.Hour), EffectiveUntil: &until, Status: domain.AssignmentActive,
		}
		f.assignments.assignments[a.ID] = a
	}

	n, err := f.service.ExpireDue(context.Background(), 2)
	if err != nil {
		t.Fatalf("ExpireDue returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected batch of 2, got %d", n)
	}

	n, err = f.service.ExpireDue(context.Background(), 2)
	if err != nil {
		t.Fatalf("ExpireDue returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected remaining 1, got %d", n)
	}
	if got := testutil.ToFloat64(f.metrics.ExpiredSwept); got != 3 {
		t.Fatalf("expected expired counter 3, got %v", got)
	}
}

func TestExpiryWorker_StopsOnCancel(t *testing.T) {
	f := newAssignmentFixture(t)
	worker := NewExpiryWorker(f.service, time.Millisecond, 10, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
