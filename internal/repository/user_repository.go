package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/domain"
)

// UserRepository defines domain-specific operations for users and groups
type UserRepository interface {
	Repository[domain.User, int64]
	FindByUsername(ctx context.Context, username string) (domain.User, error)
	FindByUsernames(ctx context.Context, usernames []string) ([]domain.User, error)

	SaveGroup(ctx context.Context, g domain.Group) (domain.Group, error)
	FindGroupByName(ctx context.Context, name string) (domain.Group, error)
	FindGroupsByName(ctx context.Context, names []string) ([]domain.Group, error)
	FindGroupsByID(ctx context.Context, ids []int64) ([]domain.Group, error)
	AddMember(ctx context.Context, userID, groupID int64) error
	RemoveMember(ctx context.Context, userID, groupID int64) error
	GroupsOf(ctx context.Context, userID int64) ([]domain.Group, error)
}

// userRepositoryImpl implements UserRepository
type userRepositoryImpl struct {
	q datastore.Querier
}

// NewUserRepository creates a new user repository
func NewUserRepository(q datastore.Querier) UserRepository {
	return &userRepositoryImpl{q: q}
}

const userColumns = `id, username, is_superuser, tier`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.IsSuperuser, &u.Tier); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func scanGroup(row rowScanner) (domain.Group, error) {
	var g domain.Group
	if err := row.Scan(&g.ID, &g.Name); err != nil {
		return domain.Group{}, err
	}
	return g, nil
}

// Save creates or updates a user
func (r *userRepositoryImpl) Save(ctx context.Context, u domain.User) (domain.User, error) {
	if u.Username == "" {
		return domain.User{}, fmt.Errorf("username is required: %w", ErrInvalidEntity)
	}

	if u.ID == 0 {
		err := r.q.QueryRowContext(ctx, `INSERT INTO users (username, is_superuser, tier) VALUES (?, ?, ?) RETURNING id`,
			u.Username, u.IsSuperuser, int(u.Tier)).Scan(&u.ID)
		if err != nil {
			if isDuplicateError(err) {
				return domain.User{}, fmt.Errorf("user %s: %w", u.Username, ErrDuplicate)
			}
			return domain.User{}, fmt.Errorf("failed to create user: %w", err)
		}
		return u, nil
	}

	_, err := r.q.ExecContext(ctx, `UPDATE users SET username = ?, is_superuser = ?, tier = ? WHERE id = ?`,
		u.Username, u.IsSuperuser, int(u.Tier), u.ID)
	if err != nil {
		return domain.User{}, fmt.Errorf("failed to update user: %w", err)
	}
	return u, nil
}

// FindByID finds a user
func (r *userRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.User, error) {
	u, err := queryOne(ctx, r.q, scanUser, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.User{}, fmt.Errorf("failed to find user: %w", err)
	}
	return u, err
}

// FindByUsername finds a user by username
func (r *userRepositoryImpl) FindByUsername(ctx context.Context, username string) (domain.User, error) {
	u, err := queryOne(ctx, r.q, scanUser, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.User{}, fmt.Errorf("failed to find user: %w", err)
	}
	return u, err
}

// FindByUsernames finds the users matching any of the usernames
func (r *userRepositoryImpl) FindByUsernames(ctx context.Context, usernames []string) ([]domain.User, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	users, err := queryList(ctx, r.q, scanUser,
		`SELECT `+userColumns+` FROM users WHERE username IN (`+placeholders(len(usernames))+`) ORDER BY username`,
		stringArgs(usernames)...)
	if err != nil {
		return nil, fmt.Errorf("failed to find users: %w", err)
	}
	return users, nil
}

// FindAll finds all users
func (r *userRepositoryImpl) FindAll(ctx context.Context) ([]domain.User, error) {
	users, err := queryList(ctx, r.q, scanUser, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to find users: %w", err)
	}
	return users, nil
}

// DeleteByID deletes a user
func (r *userRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	if err := deleteOne(ctx, r.q, `DELETE FROM users WHERE id = ?`, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// ExistsByID checks if a user exists
func (r *userRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	ok, err := exists(ctx, r.q, `SELECT COUNT(*) FROM users WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return ok, nil
}

// SaveGroup creates a group, or renames it when ID is set
func (r *userRepositoryImpl) SaveGroup(ctx context.Context, g domain.Group) (domain.Group, error) {
	if g.Name == "" {
		return domain.Group{}, fmt.Errorf("group name is required: %w", ErrInvalidEntity)
	}

	if g.ID == 0 {
		err := r.q.QueryRowContext(ctx, `INSERT INTO auth_groups (name) VALUES (?) RETURNING id`, g.Name).Scan(&g.ID)
		if err != nil {
			if isDuplicateError(err) {
				return domain.Group{}, fmt.Errorf("group %s: %w", g.Name, ErrDuplicate)
			}
			return domain.Group{}, fmt.Errorf("failed to create group: %w", err)
		}
		return g, nil
	}

	if _, err := r.q.ExecContext(ctx, `UPDATE auth_groups SET name = ? WHERE id = ?`, g.Name, g.ID); err != nil {
		return domain.Group{}, fmt.Errorf("failed to update group: %w", err)
	}
	return g, nil
}

// FindGroupByName finds a group by name
func (r *userRepositoryImpl) FindGroupByName(ctx context.Context, name string) (domain.Group, error) {
	g, err := queryOne(ctx, r.q, scanGroup, `SELECT id, name FROM auth_groups WHERE name = ?`, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.Group{}, fmt.Errorf("failed to find group: %w", err)
	}
	return g, err
}

// FindGroupsByName finds the groups matching any of the names
func (r *userRepositoryImpl) FindGroupsByName(ctx context.Context, names []string) ([]domain.Group, error) {
	if len(names) == 0 {
		return nil, nil
	}
	groups, err := queryList(ctx, r.q, scanGroup,
		`SELECT id, name FROM auth_groups WHERE name IN (`+placeholders(len(names))+`) ORDER BY name`,
		stringArgs(names)...)
	if err != nil {
		return nil, fmt.Errorf("failed to find groups: %w", err)
	}
	return groups, nil
}

// FindGroupsByID finds the groups with any of the IDs
func (r *userRepositoryImpl) FindGroupsByID(ctx context.Context, ids []int64) ([]domain.Group, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	groups, err := queryList(ctx, r.q, scanGroup,
		`SELECT id, name FROM auth_groups WHERE id IN (`+placeholders(len(ids))+`) ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find groups: %w", err)
	}
	return groups, nil
}

// AddMember adds a user to a group. Adding an existing member is a no-op.
func (r *userRepositoryImpl) AddMember(ctx context.Context, userID, groupID int64) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO group_members (user_id, group_id) VALUES (?, ?)
		ON CONFLICT (user_id, group_id) DO NOTHING`, userID, groupID)
	if err != nil {
		return fmt.Errorf("failed to add group member: %w", err)
	}
	return nil
}

// RemoveMember removes a user from a group
func (r *userRepositoryImpl) RemoveMember(ctx context.Context, userID, groupID int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM group_members WHERE user_id = ? AND group_id = ?`, userID, groupID)
	if err != nil {
		return fmt.Errorf("failed to remove group member: %w", err)
	}
	return nil
}

// GroupsOf lists the groups a user belongs to
func (r *userRepositoryImpl) GroupsOf(ctx context.Context, userID int64) ([]domain.Group, error) {
	groups, err := queryList(ctx, r.q, scanGroup, `
		SELECT g.id, g.name FROM auth_groups g
		JOIN group_members m ON m.group_id = g.id
		WHERE m.user_id = ?
		ORDER BY g.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user groups: %w", err)
	}
	return groups, nil
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
