package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	gsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config configures the GORM-backed store.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string

	// DSN is a file path for SQLite or a connection string for PostgreSQL.
	DSN string

	// MaxOpenConns caps the pool. SQLite is forced to a single writer.
	MaxOpenConns int

	// MaxIdleConns caps idle connections.
	MaxIdleConns int

	// ConnMaxLifetime recycles pooled connections. Zero keeps them forever.
	ConnMaxLifetime time.Duration

	// BusyTimeout is how long SQLite waits on a locked database.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// LogQueries enables GORM's warning-level query logger.
	LogQueries bool
}

// GormStore implements Store on top of GORM for SQLite and PostgreSQL.
type GormStore struct {
	db     *gorm.DB
	driver string
	closed atomic.Bool
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config) (*GormStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	var dialector gorm.Dialector
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn cannot be empty")
		}
		dialector = gsqlite.Open(sqliteDSN(cfg.DSN, cfg.BusyTimeout))
	case DriverPostgres, "postgresql":
		driver = DriverPostgres
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres dsn cannot be empty")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	logLevel := logger.Silent
	if cfg.LogQueries {
		logLevel = logger.Warn
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql handle: %w", err)
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&User{}, &ForwardRule{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &GormStore{db: db, driver: driver}, nil
}

// sqliteDSN appends WAL and busy-timeout pragmas so several worker processes
// can share one database file.
func sqliteDSN(path string, busy time.Duration) string {
	if path == ":memory:" || strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, sep, busy.Milliseconds())
}

// Driver returns the normalized driver name.
func (s *GormStore) Driver() string { return s.driver }

func (s *GormStore) conn(ctx context.Context) (*gorm.DB, error) {
	if s == nil || s.db == nil || s.closed.Load() {
		return nil, ErrClosed
	}
	return s.db.WithContext(ctx), nil
}

// FindUser implements Store.
func (s *GormStore) FindUser(ctx context.Context, id int64) (*User, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var u User
	if err := db.Where("id = ?", id).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// FindAllUsers implements Store.
func (s *GormStore) FindAllUsers(ctx context.Context, filter UserFilter) ([]User, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Model(&User{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Role != "" {
		q = q.Where("role = ?", filter.Role)
	}
	var users []User
	if err := q.Order("id ASC").Find(&users).Error; err != nil {
		return nil, translate(err)
	}
	if users == nil {
		users = make([]User, 0)
	}
	return users, nil
}

// FindRule implements Store.
func (s *GormStore) FindRule(ctx context.Context, sourcePort int) (*ForwardRule, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var r ForwardRule
	if err := db.Preload("Owner").Where("source_port = ?", sourcePort).First(&r).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

// FindAllRules implements Store.
func (s *GormStore) FindAllRules(ctx context.Context, withOwner bool) ([]ForwardRule, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Model(&ForwardRule{})
	if withOwner {
		q = q.Preload("Owner")
	}
	var rules []ForwardRule
	if err := q.Order("source_port ASC").Find(&rules).Error; err != nil {
		return nil, translate(err)
	}
	if rules == nil {
		rules = make([]ForwardRule, 0)
	}
	return rules, nil
}

// FindRulesByOwner implements Store.
func (s *GormStore) FindRulesByOwner(ctx context.Context, userID int64) ([]ForwardRule, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rules []ForwardRule
	if err := db.Where("owner_user_id = ?", userID).Order("source_port ASC").Find(&rules).Error; err != nil {
		return nil, translate(err)
	}
	if rules == nil {
		rules = make([]ForwardRule, 0)
	}
	return rules, nil
}

// UpdateUser implements Store.
func (s *GormStore) UpdateUser(ctx context.Context, id int64, update UserUpdate) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	fields := map[string]interface{}{}
	if update.Status != nil {
		fields["status"] = *update.Status
	}
	if update.ClearQuota {
		fields["traffic_quota_gb"] = nil
	} else if update.TrafficQuotaGB != nil {
		fields["traffic_quota_gb"] = *update.TrafficQuotaGB
	}
	if update.UsedTrafficBytes != nil {
		fields["used_traffic_bytes"] = *update.UsedTrafficBytes
	}
	if len(fields) == 0 {
		return nil
	}
	fields["updated_at"] = time.Now()

	res := db.Model(&User{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRule implements Store.
func (s *GormStore) UpdateRule(ctx context.Context, id int64, update RuleUpdate) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	fields := map[string]interface{}{}
	if update.OperatorEnabled != nil {
		fields["operator_enabled"] = *update.OperatorEnabled
	}
	if update.DisableProvenance != nil {
		fields["disable_provenance"] = *update.DisableProvenance
	}
	if update.UsedTrafficBytes != nil {
		fields["used_traffic_bytes"] = *update.UsedTrafficBytes
	}
	if len(fields) == 0 {
		return nil
	}
	fields["updated_at"] = time.Now()

	res := db.Model(&ForwardRule{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddTraffic implements Store.
func (s *GormStore) AddTraffic(ctx context.Context, userID, ruleID int64, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&User{}).Where("id = ?", userID).
			Update("used_traffic_bytes", gorm.Expr("used_traffic_bytes + ?", bytes))
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if ruleID > 0 {
			if err := tx.Model(&ForwardRule{}).Where("id = ?", ruleID).
				Update("used_traffic_bytes", gorm.Expr("used_traffic_bytes + ?", bytes)).Error; err != nil {
				return translate(err)
			}
		}
		return nil
	})
}

// CreateUser inserts a user. Provisioning tools and tests use it; the
// control plane itself never creates users.
func (s *GormStore) CreateUser(ctx context.Context, u *User) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	if u.Status == "" {
		u.Status = StatusActive
	}
	return translate(db.Create(u).Error)
}

// CreateRule inserts a rule, enforcing source port uniqueness.
func (s *GormStore) CreateRule(ctx context.Context, r *ForwardRule) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if r.DisableProvenance == "" {
		r.DisableProvenance = ProvenanceNone
	}
	if r.Protocol == "" {
		r.Protocol = "tcp"
	}
	return translate(db.Omit("Owner").Create(r).Error)
}

// Ping implements Store.
func (s *GormStore) Ping(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements Store. Close is idempotent.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey),
		strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrDuplicatePort, err)
	default:
		return err
	}
}
