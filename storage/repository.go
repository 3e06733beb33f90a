package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"leakbench/bench"
	"leakbench/devices"
	"leakbench/logging"
	"leakbench/types"
	"leakbench/utils"
)

// Repository is the gorm backed store. It implements the device, result,
// session and sensor stores of the bench package.
type Repository struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

var (
	_ bench.DeviceStore  = (*Repository)(nil)
	_ bench.ResultStore  = (*Repository)(nil)
	_ bench.SessionStore = (*Repository)(nil)
	_ bench.SensorLog    = (*Repository)(nil)
	_ bench.SensorSeed   = (*Repository)(nil)
)

// Open opens the SQLite file at path and migrates the schema.
func Open(path string, log *slog.Logger) (*Repository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.AutoMigrate(&Session{}, &Device{}, &Measurement{}, &Specimen{},
		&MassFlowSample{}, &HeliumSample{}, &PressureGaugeSample{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	log = log.With(logging.ComponentKey, "storage")
	log.Info("database opened", "path", path)
	return &Repository{db: db, log: log, now: time.Now}, nil
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *Repository) LoadDevices(ctx context.Context) ([]types.DeviceConfig, error) {
	var rows []Device
	if err := r.db.WithContext(ctx).Order("role asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading devices: %w", err)
	}
	out := make([]types.DeviceConfig, 0, len(rows))
	for _, d := range rows {
		out = append(out, d.config())
	}
	return out, nil
}

// SaveDevices upserts one row per role.
func (r *Repository) SaveDevices(ctx context.Context, cfgs []types.DeviceConfig) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range cfgs {
			row := deviceFromConfig(c)
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "role"}},
				UpdateAll: true,
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("saving %s: %w", c.Role, err)
			}
		}
		return nil
	})
}

func (r *Repository) CreateSession(ctx context.Context, mode, typ string, station utils.Station) (uint, error) {
	row := Session{
		UUID:      uuid.NewString(),
		Mode:      mode,
		Type:      typ,
		Hostname:  station.Hostname,
		OS:        station.OS,
		Platform:  station.Platform,
		HostID:    station.HostID,
		StartedAt: r.now(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("creating session: %w", err)
	}
	r.log.Info("session created", "id", row.ID, "uuid", row.UUID, "mode", mode, "station", station.Hostname)
	return row.ID, nil
}

// SaveMeasurement writes the measurement and its specimen in one
// transaction. Placement continues from the latest active row of the
// session: same panel, next location; the first row is 1/1.
func (r *Repository) SaveMeasurement(ctx context.Context, m *types.Measurement, s *types.Specimen) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		panel, location := 1, 1
		var last Measurement
		err := tx.Where("session_id = ? AND active = ?", m.SessionID, true).
			Order("id desc").Limit(1).Take(&last).Error
		switch {
		case err == nil:
			panel, location = last.PanelNo, last.LocationNo+1
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return fmt.Errorf("reading last placement: %w", err)
		}

		created := m.CreatedAt
		if created.IsZero() {
			created = r.now()
		}
		row := Measurement{
			SessionID:           m.SessionID,
			SerialNumber:        m.SerialNumber,
			ElapsedSeconds:      m.ElapsedSeconds,
			LeakRate:            m.LeakRate,
			MaxLeakRate:         m.MaxLeakRate,
			PanelNo:             panel,
			LocationNo:          location,
			AverageTemperature:  m.AverageTemperature,
			AutoStop:            m.AutoStop,
			HeliumPressure:      m.HeliumPressure,
			HeliumConcentration: m.HeliumConcentration,
			MassFlowSccm:        m.MassFlowSccm,
			Active:              true,
			CreatedAt:           created,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("inserting measurement: %w", err)
		}

		sr := Specimen{MeasurementID: row.ID, X: s.X, Y: s.Y, Active: true, CreatedAt: created}
		if err := tx.Create(&sr).Error; err != nil {
			return fmt.Errorf("inserting specimen: %w", err)
		}

		*m = row.measurement()
		s.ID = sr.ID
		s.MeasurementID = row.ID
		return nil
	})
}

// SoftDeleteLast deactivates the latest active measurement of the session
// and its specimen. It returns nil when there is nothing to delete.
func (r *Repository) SoftDeleteLast(ctx context.Context, sessionID uint) (*types.Measurement, error) {
	var out *types.Measurement
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last Measurement
		err := tx.Where("session_id = ? AND active = ?", sessionID, true).
			Order("id desc").Limit(1).Take(&last).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&last).Update("active", false).Error; err != nil {
			return err
		}
		if err := tx.Model(&Specimen{}).Where("measurement_id = ?", last.ID).Update("active", false).Error; err != nil {
			return err
		}
		m := last.measurement()
		m.Active = false
		out = &m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deleting last measurement: %w", err)
	}
	return out, nil
}

// MaxSerial counts deleted rows too, so serials are never reused.
func (r *Repository) MaxSerial(ctx context.Context, sessionID uint) (int, error) {
	var n int
	err := r.db.WithContext(ctx).Model(&Measurement{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(serial_number), 0)").Scan(&n).Error
	if err != nil {
		return 0, fmt.Errorf("reading max serial: %w", err)
	}
	return n, nil
}

func (r *Repository) ListMeasurements(ctx context.Context, sessionID uint) ([]types.Measurement, error) {
	var rows []Measurement
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND active = ?", sessionID, true).
		Order("id asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing measurements: %w", err)
	}
	out := make([]types.Measurement, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.measurement())
	}
	return out, nil
}

func (r *Repository) Specimen(ctx context.Context, measurementID uint) (*types.Specimen, error) {
	var row Specimen
	err := r.db.WithContext(ctx).
		Where("measurement_id = ? AND active = ?", measurementID, true).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("specimen of measurement %d: %w", measurementID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading specimen: %w", err)
	}
	return &types.Specimen{ID: row.ID, MeasurementID: row.MeasurementID, X: row.X, Y: row.Y}, nil
}

func (r *Repository) UpdatePlacement(ctx context.Context, id uint, panel, location int) error {
	res := r.db.WithContext(ctx).Model(&Measurement{}).
		Where("id = ? AND active = ?", id, true).
		Updates(map[string]any{"panel_no": panel, "location_no": location})
	if res.Error != nil {
		return fmt.Errorf("updating placement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("measurement %d: %w", id, types.ErrNotFound)
	}
	return nil
}

func (r *Repository) RecordMassFlow(ctx context.Context, sessionID uint, st devices.MassFlowStatus) error {
	return r.db.WithContext(ctx).Create(&MassFlowSample{
		SessionID:      sessionID,
		Pressure:       st.Pressure,
		Temperature:    st.Temperature,
		VolumetricFlow: st.VolumetricFlow,
		MassFlow:       st.MassFlow,
		CreatedAt:      r.now(),
	}).Error
}

func (r *Repository) RecordHelium(ctx context.Context, sessionID uint, rd devices.AnalyzerReading) error {
	return r.db.WithContext(ctx).Create(&HeliumSample{
		SessionID:   sessionID,
		Helium:      rd.Helium,
		Oxygen:      rd.Oxygen,
		Temperature: rd.Temperature,
		Pressure:    rd.Pressure,
		ReadAt:      rd.Time,
		CreatedAt:   r.now(),
	}).Error
}

func (r *Repository) RecordPressureGauge(ctx context.Context, sessionID uint, rd bench.GaugeReading) error {
	return r.db.WithContext(ctx).Create(&PressureGaugeSample{
		SessionID:   sessionID,
		Pressure:    rd.Pressure,
		Temperature: rd.Temperature,
		CreatedAt:   r.now(),
	}).Error
}

// LatestSensors returns the newest stored row of every sensor table, so the
// live view has values before the first supervisor cycle.
func (r *Repository) LatestSensors(ctx context.Context) (types.LiveStatus, error) {
	db := r.db.WithContext(ctx)
	var st types.LiveStatus

	var mf MassFlowSample
	if err := latest(db, &mf); err != nil {
		return st, err
	}
	st.MassFlowSccm = mf.MassFlow
	st.MassFlowTemperature = mf.Temperature

	var he HeliumSample
	if err := latest(db, &he); err != nil {
		return st, err
	}
	st.HeliumConcentration = he.Helium

	var pg PressureGaugeSample
	if err := latest(db, &pg); err != nil {
		return st, err
	}
	st.HeliumSupplyPressure = pg.Pressure
	st.RoomTemperature = pg.Temperature

	for _, t := range []time.Time{mf.CreatedAt, he.CreatedAt, pg.CreatedAt} {
		if t.After(st.UpdatedAt) {
			st.UpdatedAt = t
		}
	}
	return st, nil
}

// latest leaves dest untouched when the table is empty.
func latest(db *gorm.DB, dest any) error {
	err := db.Order("id desc").Limit(1).Take(dest).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("reading latest sensor row: %w", err)
	}
	return nil
}
