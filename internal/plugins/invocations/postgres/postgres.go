// Package postgres archives invocation records in Postgres through gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/osvaldoandrade/fnbay/internal/api"
	"github.com/osvaldoandrade/fnbay/internal/config"
	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
	"github.com/osvaldoandrade/fnbay/internal/plugins/invocations"
	"github.com/osvaldoandrade/fnbay/internal/plugins/registry"
)

func init() {
	registry.RegisterInvocations("postgres", NewFromConfig)
}

type invocationRow struct {
	Oid           int64  `gorm:"primaryKey;autoIncrement:false"`
	ID            string `gorm:"uniqueIndex;not null"`
	TenantOid     int64  `gorm:"not null"`
	FunctionOid   int64  `gorm:"index:idx_fn_invocations_function,priority:1;not null"`
	VersionOid    int64  `gorm:"not null"`
	Status        string `gorm:"not null"`
	Logs          string `gorm:"type:text"`
	ErrorCode     string
	ErrorMessage  string `gorm:"type:text"`
	ComputeTimeMS float64
	BilledTimeMS  float64
	CreatedAtMS   int64 `gorm:"index;index:idx_fn_invocations_function,priority:2;not null"`
}

func (invocationRow) TableName() string { return "function_invocations" }

func toRow(inv api.Invocation) invocationRow {
	row := invocationRow{
		Oid:           inv.Oid,
		ID:            inv.ID,
		TenantOid:     inv.TenantOid,
		FunctionOid:   inv.FunctionOid,
		VersionOid:    inv.VersionOid,
		Status:        string(inv.Status),
		Logs:          inv.Logs,
		ComputeTimeMS: inv.ComputeTimeMS,
		BilledTimeMS:  inv.BilledTimeMS,
		CreatedAtMS:   inv.CreatedAtMS,
	}
	if inv.Error != nil {
		row.ErrorCode, row.ErrorMessage = inv.Error.Code, inv.Error.Message
	}
	return row
}

func (r invocationRow) toInvocation() api.Invocation {
	inv := api.Invocation{
		Oid:           r.Oid,
		ID:            r.ID,
		TenantOid:     r.TenantOid,
		FunctionOid:   r.FunctionOid,
		VersionOid:    r.VersionOid,
		Status:        api.Status(r.Status),
		Logs:          r.Logs,
		ComputeTimeMS: r.ComputeTimeMS,
		BilledTimeMS:  r.BilledTimeMS,
		CreatedAtMS:   r.CreatedAtMS,
	}
	if r.ErrorCode != "" || r.ErrorMessage != "" {
		inv.Error = &api.InvocationError{Code: r.ErrorCode, Message: r.ErrorMessage}
	}
	return inv
}

type Store struct {
	db *gorm.DB
}

func NewFromConfig(cfg config.Config) (invocations.Store, error) {
	dsn := cfg.Plugins.Invocations.Postgres.DSN
	if dsn == "" {
		return nil, fmt.Errorf("plugins.invocations.postgres.dsn is required")
	}
	return Open(dsn)
}

// Open connects and migrates the invocation table.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: dsn}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fberrors.Wrap(fberrors.FBStoreUnavailable, "failed to connect to postgres", err)
	}
	if err := db.AutoMigrate(&invocationRow{}); err != nil {
		return nil, fberrors.Wrap(fberrors.FBStoreWriteFailed, "failed to migrate invocation table", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fberrors.Wrap(fberrors.FBStoreUnavailable, "postgres handle unavailable", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fberrors.Wrap(fberrors.FBStoreUnavailable, "postgres ping failed", err)
	}
	return nil
}

// SaveInvocation inserts the record; saving the same oid twice is a no-op.
func (s *Store) SaveInvocation(ctx context.Context, inv api.Invocation) error {
	row := toRow(inv)
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fberrors.Wrap(fberrors.FBStoreWriteFailed, "failed to write function invocation", err)
	}
	return nil
}

func (s *Store) GetInvocation(ctx context.Context, id string) (api.Invocation, error) {
	var row invocationRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return api.Invocation{}, fberrors.NotFound("function invocation")
		}
		return api.Invocation{}, fberrors.Wrap(fberrors.FBStoreReadFailed, "failed to read function invocation", err)
	}
	return row.toInvocation(), nil
}

func (s *Store) ListInvocations(ctx context.Context, functionOid int64, limit int) ([]api.Invocation, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []invocationRow
	err := s.db.WithContext(ctx).
		Where("function_oid = ?", functionOid).
		Order("created_at_ms DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fberrors.Wrap(fberrors.FBStoreReadFailed, "failed to list function invocations", err)
	}
	out := make([]api.Invocation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toInvocation())
	}
	return out, nil
}

// PurgeInvocations deletes records created before cutoffMS, batch rows per
// statement.
func (s *Store) PurgeInvocations(ctx context.Context, cutoffMS int64, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	purged := 0
	for {
		sub := s.db.Model(&invocationRow{}).Select("oid").Where("created_at_ms < ?", cutoffMS).Limit(batch)
		res := s.db.WithContext(ctx).Where("oid IN (?)", sub).Delete(&invocationRow{})
		if res.Error != nil {
			return purged, fberrors.Wrap(fberrors.FBStoreWriteFailed, "failed to purge function invocations", res.Error)
		}
		purged += int(res.RowsAffected)
		if res.RowsAffected < int64(batch) {
			return purged, nil
		}
	}
}
