// Package storage is the SQLite persistence of the bench: device
// configuration, sessions, measurements with their specimens and the raw
// sensor rows.
package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"leakbench/types"
)

// Session is one operator session of the bench application.
type Session struct {
	ID        uint      `gorm:"primaryKey"`
	UUID      string    `gorm:"uniqueIndex;not null"`
	Mode      string    `gorm:"not null"`
	Type      string    `gorm:"not null"`
	Hostname  string    `gorm:"index"`
	OS        string
	Platform  string
	HostID    string
	StartedAt time.Time `gorm:"not null"`
}

// Device is the stored configuration of one role. Rows are only updated.
type Device struct {
	ID           uint       `gorm:"primaryKey"`
	Role         types.Role `gorm:"uniqueIndex;not null"`
	Name         string     `gorm:"not null"`
	Port         string
	BaudRate     int
	ByteSize     int
	Parity       string `gorm:"size:1"`
	StopBits     int
	TimeoutMs    int64
	IsAvailable  bool
	IsDefault    bool
	SccmSetpoint *float64
	UpdatedAt    time.Time
}

func deviceFromConfig(c types.DeviceConfig) Device {
	return Device{
		Role:         c.Role,
		Name:         c.Name,
		Port:         c.Port,
		BaudRate:     c.BaudRate,
		ByteSize:     c.ByteSize,
		Parity:       c.Parity,
		StopBits:     c.StopBits,
		TimeoutMs:    c.Timeout.Milliseconds(),
		IsAvailable:  c.IsAvailable,
		IsDefault:    c.IsDefault,
		SccmSetpoint: c.SccmSetpoint,
	}
}

func (d Device) config() types.DeviceConfig {
	return types.DeviceConfig{
		Role:         d.Role,
		Name:         d.Name,
		Port:         d.Port,
		IsAvailable:  d.IsAvailable,
		IsDefault:    d.IsDefault,
		SccmSetpoint: d.SccmSetpoint,
		SerialSettings: types.SerialSettings{
			BaudRate: d.BaudRate,
			ByteSize: d.ByteSize,
			Parity:   d.Parity,
			StopBits: d.StopBits,
			Timeout:  time.Duration(d.TimeoutMs) * time.Millisecond,
		},
	}
}

// Measurement is the summary row of a completed run. Active=false marks a
// deleted row.
type Measurement struct {
	ID                  uint `gorm:"primaryKey"`
	SessionID           uint `gorm:"index;not null"`
	SerialNumber        int  `gorm:"not null"`
	ElapsedSeconds      float64
	LeakRate            float64
	MaxLeakRate         float64
	PanelNo             int `gorm:"not null"`
	LocationNo          int `gorm:"not null"`
	AverageTemperature  float64
	AutoStop            bool
	HeliumPressure      float64
	HeliumConcentration float64
	MassFlowSccm        float64
	Active              bool `gorm:"index;not null"`
	CreatedAt           time.Time
}

func (m Measurement) measurement() types.Measurement {
	return types.Measurement{
		ID:                  m.ID,
		SessionID:           m.SessionID,
		SerialNumber:        m.SerialNumber,
		ElapsedSeconds:      m.ElapsedSeconds,
		LeakRate:            m.LeakRate,
		MaxLeakRate:         m.MaxLeakRate,
		PanelNo:             m.PanelNo,
		LocationNo:          m.LocationNo,
		AverageTemperature:  m.AverageTemperature,
		AutoStop:            m.AutoStop,
		HeliumPressure:      m.HeliumPressure,
		HeliumConcentration: m.HeliumConcentration,
		MassFlowSccm:        m.MassFlowSccm,
		Active:              m.Active,
		CreatedAt:           m.CreatedAt,
	}
}

// Series is a float sequence stored as a JSON array.
type Series []float64

func (s Series) Value() (driver.Value, error) {
	if s == nil {
		s = Series{}
	}
	b, err := json.Marshal([]float64(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *Series) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*s = Series{}
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("series: unsupported type %T", src)
	}
	var out []float64
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	if out == nil {
		out = []float64{}
	}
	*s = out
	return nil
}

// Specimen is the time series of one measurement.
type Specimen struct {
	ID            uint   `gorm:"primaryKey"`
	MeasurementID uint   `gorm:"uniqueIndex;not null"`
	X             Series `gorm:"type:text;not null"`
	Y             Series `gorm:"type:text;not null"`
	Active        bool   `gorm:"index;not null"`
	CreatedAt     time.Time
}

type MassFlowSample struct {
	ID             uint `gorm:"primaryKey"`
	SessionID      uint `gorm:"index"`
	Pressure       float64
	Temperature    float64
	VolumetricFlow float64
	MassFlow       float64
	CreatedAt      time.Time `gorm:"index"`
}

type HeliumSample struct {
	ID          uint `gorm:"primaryKey"`
	SessionID   uint `gorm:"index"`
	Helium      float64
	Oxygen      float64
	Temperature float64
	Pressure    float64
	ReadAt      time.Time
	CreatedAt   time.Time `gorm:"index"`
}

type PressureGaugeSample struct {
	ID          uint `gorm:"primaryKey"`
	SessionID   uint `gorm:"index"`
	Pressure    float64
	Temperature float64
	CreatedAt   time.Time `gorm:"index"`
}
