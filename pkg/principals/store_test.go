package principals

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestStore(db *sql.DB) *PostgresStore {
	s := NewPostgresStore(db)
	s.now = func() time.Time { return fixedNow }
	return s
}

var assignmentCols = []string{
	"id", "principal_id", "role_id", "scope_kind", "scope_id", "status",
	"assigned_by", "expires_at", "created_at", "deleted_at",
	"r_id", "name", "display_name", "level", "context_kind",
}

func TestPostgresStore_GetPrincipal(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		rows := sqlmock.NewRows([]string{"id", "person_id", "username", "is_active", "is_system_admin", "created_at", "deleted_at"}).
			AddRow(int64(5), int64(50), "nurse.jane", true, false, fixedNow, nil)
		mock.ExpectQuery("SELECT id, person_id, username").WithArgs(int64(5)).WillReturnRows(rows)

		p, err := newTestStore(db).GetPrincipal(context.Background(), 5)
		require.NoError(t, err)
		assert.Equal(t, "nurse.jane", p.Username)
		require.NotNil(t, p.PersonID)
		assert.Equal(t, int64(50), *p.PersonID)
		assert.True(t, p.Active())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("SELECT id, person_id, username").WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)

		_, err := newTestStore(db).GetPrincipal(context.Background(), 9)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPostgresStore_GetPrincipalByUsername(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "person_id", "username", "is_active", "is_system_admin", "created_at", "deleted_at"}).
		AddRow(int64(5), nil, "nurse.jane", true, false, fixedNow, nil)
	mock.ExpectQuery("WHERE username = \\$1 AND deleted_at IS NULL").WithArgs("nurse.jane").WillReturnRows(rows)
	mock.ExpectQuery("WHERE username = \\$1").WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	store := newTestStore(db)
	p, err := store.GetPrincipalByUsername(context.Background(), "nurse.jane")
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.ID)
	assert.Nil(t, p.PersonID)

	_, err = store.GetPrincipalByUsername(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActiveAssignments(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows(assignmentCols).
		AddRow(int64(1), int64(5), int64(2), "company", int64(7), "active", int64(1), nil, fixedNow, nil,
			int64(2), "company_admin", "Company Admin", 80, "company").
		AddRow(int64(2), int64(5), int64(3), "system", nil, "active", nil, nil, fixedNow, nil,
			int64(3), "caregiver", "Caregiver", 10, "establishment")
	mock.ExpectQuery("FROM role_assignments ra").
		WithArgs(fixedNow, int64(5)).
		WillReturnRows(rows)

	list, err := newTestStore(db).ActiveAssignments(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, CompanyScope(7), list[0].Scope)
	assert.Equal(t, 80, list[0].Level())
	require.NotNil(t, list[0].AssignedBy)
	assert.Equal(t, SystemScope(), list[1].Scope)
	assert.Nil(t, list[1].AssignedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateAssignment(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("INSERT INTO role_assignments").
			WithArgs(int64(5), int64(2), "company", sqlmock.AnyArg(), "active", sqlmock.AnyArg(), sqlmock.AnyArg(), fixedNow).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

		a := &RoleAssignment{PrincipalID: 5, RoleID: 2, Scope: CompanyScope(7)}
		require.NoError(t, newTestStore(db).CreateAssignment(context.Background(), a))
		assert.Equal(t, int64(42), a.ID)
		assert.Equal(t, AssignmentActive, a.Status)
		assert.Equal(t, fixedNow, a.CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate maps to conflict", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("INSERT INTO role_assignments").
			WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

		a := &RoleAssignment{PrincipalID: 5, RoleID: 2, Scope: CompanyScope(7)}
		err := newTestStore(db).CreateAssignment(context.Background(), a)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("other errors propagate", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		boom := errors.New("connection reset")
		mock.ExpectQuery("INSERT INTO role_assignments").WillReturnError(boom)

		err := newTestStore(db).CreateAssignment(context.Background(), &RoleAssignment{Scope: SystemScope()})
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrConflict)
	})
}

func TestPostgresStore_RevokeAssignment(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("UPDATE role_assignments").
			WithArgs(fixedNow, int64(1), int64(42)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, newTestStore(db).RevokeAssignment(context.Background(), 42, 1))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already revoked", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("UPDATE role_assignments").WillReturnResult(sqlmock.NewResult(0, 0))

		err := newTestStore(db).RevokeAssignment(context.Background(), 42, 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPostgresStore_EstablishmentMembers(t *testing.T) {
	t.Run("empty input short-circuits", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ids, err := newTestStore(db).EstablishmentMembers(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, ids)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns ids", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectQuery("FROM establishment_members em").
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)).AddRow(int64(8)))

		ids, err := newTestStore(db).EstablishmentMembers(context.Background(), []ID{1, 2})
		require.NoError(t, err)
		assert.Equal(t, []ID{3, 8}, ids)
	})
}

func TestPostgresStore_DirectCompanyMembers(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery("ra.scope_kind = 'company' AND ra.scope_id = \\$2").
		WithArgs(fixedNow, int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	ids, err := newTestStore(db).DirectCompanyMembers(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, []ID{11}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryStore_Rules(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.AddPrincipal(Principal{ID: 1, IsActive: true})
	m.AddPrincipal(Principal{ID: 2, IsActive: false})
	m.AddPrincipal(Principal{ID: 3, IsActive: true})
	m.AddRole(Role{ID: 10, Level: 80, ContextKind: ScopeCompany})
	m.AddCompany(Company{ID: 7, IsActive: true})
	m.AddEstablishment(Establishment{ID: 70, CompanyID: 7, IsActive: true})
	m.AddMember(1, 70)
	m.AddMember(2, 70)

	members, err := m.EstablishmentMembers(ctx, []ID{70})
	require.NoError(t, err)
	assert.Equal(t, []ID{1}, members)

	m.Assign(3, 10, CompanyScope(7))
	direct, err := m.DirectCompanyMembers(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []ID{3}, direct)

	// membership of another company's establishment does not hide a direct member
	m.AddCompany(Company{ID: 8, IsActive: true})
	m.AddEstablishment(Establishment{ID: 80, CompanyID: 8, IsActive: true})
	m.AddMember(3, 80)
	direct, err = m.DirectCompanyMembers(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []ID{3}, direct)

	err = m.CreateAssignment(ctx, &RoleAssignment{PrincipalID: 3, RoleID: 10, Scope: CompanyScope(7)})
	assert.ErrorIs(t, err, ErrConflict)

	list, err := m.ActiveAssignments(ctx, 3)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NoError(t, m.RevokeAssignment(ctx, list[0].ID, 1))

	list, err = m.ActiveAssignments(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, list)
}
