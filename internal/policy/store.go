package policy

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists per-level queue policies, ingest API keys, and admin
// dashboard users: one *sql.DB, one migrate() pass, one
// CREATE TABLE IF NOT EXISTS block per table.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS model_queue_policies (
  priority_level INTEGER PRIMARY KEY,
  timeout_action TEXT NOT NULL DEFAULT 'reject',
  default_timeout_micros INTEGER NOT NULL DEFAULT 0,
  allow_timeout_override INTEGER NOT NULL DEFAULT 0,
  max_queue_size INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS api_keys (
  key_id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  prefix TEXT NOT NULL,
  hashed_key TEXT NOT NULL,
  created_at DATETIME NOT NULL,
  last_used_at DATETIME,
  allowed_levels TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS admin_users (
  username TEXT PRIMARY KEY,
  password_hash TEXT NOT NULL,
  created_at DATETIME NOT NULL
);
`)
	return err
}

// LevelPolicy rows.

func (s *Store) UpsertPolicy(ctx context.Context, p LevelPolicy) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO model_queue_policies(priority_level, timeout_action, default_timeout_micros, allow_timeout_override, max_queue_size)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(priority_level) DO UPDATE SET
  timeout_action=excluded.timeout_action,
  default_timeout_micros=excluded.default_timeout_micros,
  allow_timeout_override=excluded.allow_timeout_override,
  max_queue_size=excluded.max_queue_size;
`, p.PriorityLevel, p.TimeoutAction, p.DefaultTimeoutMicros, boolToInt(p.AllowTimeoutOverride), p.MaxQueueSize)
	return err
}

func (s *Store) GetPolicy(ctx context.Context, level uint32) (LevelPolicy, bool, error) {
	if s.db == nil {
		return LevelPolicy{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT priority_level, timeout_action, default_timeout_micros, allow_timeout_override, max_queue_size
FROM model_queue_policies WHERE priority_level=?;
`, level)

	var p LevelPolicy
	var overrideInt int
	err := row.Scan(&p.PriorityLevel, &p.TimeoutAction, &p.DefaultTimeoutMicros, &overrideInt, &p.MaxQueueSize)
	if err == sql.ErrNoRows {
		return LevelPolicy{}, false, nil
	}
	if err != nil {
		return LevelPolicy{}, false, err
	}
	p.AllowTimeoutOverride = overrideInt != 0
	return p, true, nil
}

func (s *Store) ListPolicies(ctx context.Context) ([]LevelPolicy, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT priority_level, timeout_action, default_timeout_micros, allow_timeout_override, max_queue_size
FROM model_queue_policies
ORDER BY priority_level ASC;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LevelPolicy
	for rows.Next() {
		var p LevelPolicy
		var overrideInt int
		if err := rows.Scan(&p.PriorityLevel, &p.TimeoutAction, &p.DefaultTimeoutMicros, &overrideInt, &p.MaxQueueSize); err != nil {
			return nil, err
		}
		p.AllowTimeoutOverride = overrideInt != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeletePolicy(ctx context.Context, level uint32) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM model_queue_policies WHERE priority_level=?;", level)
	return err
}

// LoadPriorityPolicies reads every persisted row and splits it into the
// level-0 default and the per-level overrides, the shape
// batchqueue.NewPriorityQueueWithPolicies expects. A store with no rows
// at all yields the queue's own defaults.
func LoadPriorityPolicies(ctx context.Context, s *Store) (defaultPolicy LevelPolicy, perLevel map[uint32]LevelPolicy, err error) {
	defaultPolicy = levelPolicyFromQueuePolicyDefault()
	perLevel = map[uint32]LevelPolicy{}

	rows, err := s.ListPolicies(ctx)
	if err != nil {
		return defaultPolicy, perLevel, err
	}
	for _, r := range rows {
		if r.PriorityLevel == 0 {
			defaultPolicy = r
			continue
		}
		perLevel[r.PriorityLevel] = r
	}
	return defaultPolicy, perLevel, nil
}

func levelPolicyFromQueuePolicyDefault() LevelPolicy {
	return LevelPolicy{TimeoutAction: "reject"}
}

// API key records.

type APIKeyRecord struct {
	ID            string
	Name          string
	Prefix        string
	HashedKey     string
	CreatedAt     time.Time
	LastUsedAt    *time.Time
	AllowedLevels string // comma-separated priority levels, or "*" for all
}

func (s *Store) CreateAPIKey(ctx context.Context, record APIKeyRecord) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO api_keys(key_id, name, prefix, hashed_key, created_at, allowed_levels)
VALUES(?, ?, ?, ?, ?, ?);
`, record.ID, record.Name, record.Prefix, record.HashedKey, record.CreatedAt, record.AllowedLevels)
	return err
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT key_id, name, prefix, hashed_key, created_at, last_used_at, allowed_levels
FROM api_keys ORDER BY created_at DESC;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []APIKeyRecord
	for rows.Next() {
		var r APIKeyRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Prefix, &r.HashedKey, &r.CreatedAt, &r.LastUsedAt, &r.AllowedLevels); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetAPIKey(ctx context.Context, id string) (APIKeyRecord, bool, error) {
	if s.db == nil {
		return APIKeyRecord{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT key_id, name, prefix, hashed_key, created_at, last_used_at, allowed_levels
FROM api_keys WHERE key_id=?;
`, id)
	var r APIKeyRecord
	err := row.Scan(&r.ID, &r.Name, &r.Prefix, &r.HashedKey, &r.CreatedAt, &r.LastUsedAt, &r.AllowedLevels)
	if err == sql.ErrNoRows {
		return APIKeyRecord{}, false, nil
	}
	if err != nil {
		return APIKeyRecord{}, false, err
	}
	return r, true, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM api_keys WHERE key_id=?;", id)
	return err
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at=? WHERE key_id=?;", time.Now(), id)
	return err
}

// Admin dashboard users.

type AdminUser struct {
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

func (s *Store) CreateAdminUser(ctx context.Context, u AdminUser) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO admin_users(username, password_hash, created_at)
VALUES(?, ?, ?);
`, u.Username, u.PasswordHash, u.CreatedAt)
	return err
}

func (s *Store) GetAdminUser(ctx context.Context, username string) (AdminUser, bool, error) {
	if s.db == nil {
		return AdminUser{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, "SELECT username, password_hash, created_at FROM admin_users WHERE username=?;", username)
	var u AdminUser
	err := row.Scan(&u.Username, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return AdminUser{}, false, nil
	}
	if err != nil {
		return AdminUser{}, false, err
	}
	return u, true, nil
}

func (s *Store) ListAdminUsers(ctx context.Context) ([]AdminUser, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, "SELECT username, password_hash, created_at FROM admin_users ORDER BY username ASC;")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AdminUser
	for rows.Next() {
		var u AdminUser
		if err := rows.Scan(&u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAdminUser(ctx context.Context, username string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM admin_users WHERE username=?;", username)
	return err
}

func (s *Store) UpdateAdminPassword(ctx context.Context, username, passwordHash string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "UPDATE admin_users SET password_hash=? WHERE username=?;", passwordHash, username)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
