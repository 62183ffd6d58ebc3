package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/usermgmt/apiserver/types"
)

const userColumns = `id, user_name, email, phone_number, password_hash, user_type, status,
		address_zip, address_city, address_country, address_line, address_state,
		refresh_token, avatar_key, created_by, created_at, updated_at`

// UserRepository handles persistence for users.
type UserRepository struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// ListFilter narrows a user listing. Zero values disable a criterion.
type ListFilter struct {
	ExcludeID        uuid.UUID
	UserTypes        []types.UserType
	UserNameContains string
	Limit            int
	Offset           int
}

type userRow struct {
	ID             uuid.UUID      `db:"id"`
	UserName       string         `db:"user_name"`
	Email          string         `db:"email"`
	PhoneNumber    string         `db:"phone_number"`
	PasswordHash   string         `db:"password_hash"`
	UserType       string         `db:"user_type"`
	Status         string         `db:"status"`
	AddressZip     sql.NullString `db:"address_zip"`
	AddressCity    sql.NullString `db:"address_city"`
	AddressCountry sql.NullString `db:"address_country"`
	AddressLine    sql.NullString `db:"address_line"`
	AddressState   sql.NullString `db:"address_state"`
	RefreshToken   sql.NullString `db:"refresh_token"`
	AvatarKey      sql.NullString `db:"avatar_key"`
	CreatedBy      uuid.NullUUID  `db:"created_by"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (row userRow) toUser() types.User {
	user := types.User{
		ID:           row.ID,
		UserName:     row.UserName,
		Email:        row.Email,
		PhoneNumber:  row.PhoneNumber,
		PasswordHash: row.PasswordHash,
		UserType:     types.UserType(row.UserType),
		Status:       types.Status(row.Status),
		RefreshToken: row.RefreshToken.String,
		AvatarKey:    row.AvatarKey.String,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
	if row.AddressZip.Valid || row.AddressCity.Valid || row.AddressCountry.Valid || row.AddressLine.Valid {
		user.Address = &types.Address{
			Zip:         row.AddressZip.String,
			City:        row.AddressCity.String,
			Country:     row.AddressCountry.String,
			AddressLine: row.AddressLine.String,
			State:       row.AddressState.String,
		}
	}
	if row.CreatedBy.Valid {
		createdBy := row.CreatedBy.UUID
		user.CreatedBy = &createdBy
	}
	return user
}

func addressArgs(address *types.Address) []any {
	if address == nil {
		return []any{nil, nil, nil, nil, nil}
	}
	return []any{
		address.Zip,
		address.City,
		address.Country,
		address.AddressLine,
		nullString(address.State),
	}
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func (r *UserRepository) getOne(ctx context.Context, query string, args ...any) (types.User, error) {
	var row userRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return row.toUser(), nil
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByEmail looks up a user by email, ignoring case.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	return r.getOne(ctx, query, strings.TrimSpace(email))
}

// FindByEmailOrUserName returns any user whose email or user name matches.
func (r *UserRepository) FindByEmailOrUserName(ctx context.Context, email, userName string) (types.User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE lower(email) = lower($1) OR user_name = $2
		ORDER BY created_at
		LIMIT 1`
	return r.getOne(ctx, query, strings.TrimSpace(email), userName)
}

// timestampNow matches the microsecond precision of TIMESTAMPTZ so records
// returned from writes equal what later reads scan back.
func timestampNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := timestampNow()
	user.CreatedAt = now
	user.UpdatedAt = now

	const query = `
		INSERT INTO users (
			id, user_name, email, phone_number, password_hash, user_type, status,
			address_zip, address_city, address_country, address_line, address_state,
			refresh_token, avatar_key, created_by, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	args := []any{user.ID, user.UserName, user.Email, user.PhoneNumber, user.PasswordHash, string(user.UserType), string(user.Status)}
	args = append(args, addressArgs(user.Address)...)
	args = append(args,
		nullString(user.RefreshToken),
		nullString(user.AvatarKey),
		nullUUID(user.CreatedBy),
		user.CreatedAt,
		user.UpdatedAt,
	)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return types.User{}, mapWriteError(err)
	}
	return user, nil
}

// Update writes the profile, role, status, password and avatar columns.
// The refresh token is owned by SetRefreshToken and never written here.
func (r *UserRepository) Update(ctx context.Context, user types.User) (types.User, error) {
	user.UpdatedAt = timestampNow()

	const query = `
		UPDATE users
		SET user_name = $1,
			email = $2,
			phone_number = $3,
			password_hash = $4,
			user_type = $5,
			status = $6,
			address_zip = $7,
			address_city = $8,
			address_country = $9,
			address_line = $10,
			address_state = $11,
			avatar_key = $12,
			updated_at = $13
		WHERE id = $14`
	args := []any{user.UserName, user.Email, user.PhoneNumber, user.PasswordHash, string(user.UserType), string(user.Status)}
	args = append(args, addressArgs(user.Address)...)
	args = append(args, nullString(user.AvatarKey), user.UpdatedAt, user.ID)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return types.User{}, mapWriteError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.User{}, err
	}
	if affected == 0 {
		return types.User{}, ErrNotFound
	}
	return user, nil
}

// SetRefreshToken replaces the stored refresh token. An empty token clears it.
func (r *UserRepository) SetRefreshToken(ctx context.Context, id uuid.UUID, token string) error {
	const query = `UPDATE users SET refresh_token = $1, updated_at = $2 WHERE id = $3`
	result, err := r.db.ExecContext(ctx, query, nullString(token), timestampNow(), id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	const query = `DELETE FROM users WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns one page of users, newest first, and the total number of
// users matching filter.
func (r *UserRepository) List(ctx context.Context, filter ListFilter) ([]types.User, int, error) {
	where, args := buildListWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM users` + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	query, pageArgs := buildListQuery(filter, where, args)
	var rows []userRow
	if err := r.db.SelectContext(ctx, &rows, query, pageArgs...); err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}

	users := make([]types.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toUser())
	}
	return users, total, nil
}

func buildListWhere(filter ListFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.ExcludeID != uuid.Nil {
		args = append(args, filter.ExcludeID)
		clauses = append(clauses, fmt.Sprintf("id <> $%d", len(args)))
	}
	if len(filter.UserTypes) > 0 {
		values := make([]string, 0, len(filter.UserTypes))
		for _, userType := range filter.UserTypes {
			values = append(values, string(userType))
		}
		args = append(args, pq.Array(values))
		clauses = append(clauses, fmt.Sprintf("user_type = ANY($%d)", len(args)))
	}
	if name := strings.TrimSpace(filter.UserNameContains); name != "" {
		args = append(args, "%"+escapeLike(name)+"%")
		clauses = append(clauses, fmt.Sprintf(`user_name ILIKE $%d ESCAPE '\'`, len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func buildListQuery(filter ListFilter, where string, args []any) (string, []any) {
	pageArgs := append([]any{}, args...)
	pageArgs = append(pageArgs, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM users%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		userColumns, where, len(pageArgs)-1, len(pageArgs))
	return query, pageArgs
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}
