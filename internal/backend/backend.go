// Package backend selects the recap sink implementation based on
// configuration: Google Sheets in production, in-memory for local
// development and tests.
package backend

import (
	"context"
	"fmt"

	"kasku/internal/config"
	"kasku/internal/recap"
	"kasku/internal/recap/google"
	"kasku/internal/recap/memory"
)

// SinkType represents the recap sink implementation
type SinkType string

const (
	SheetsSink SinkType = "sheets"
	MemorySink SinkType = "memory"
)

// String implements fmt.Stringer
func (t SinkType) String() string {
	return string(t)
}

// IsValid returns true if the sink type is known
func (t SinkType) IsValid() bool {
	switch t {
	case SheetsSink, MemorySink:
		return true
	default:
		return false
	}
}

// Config holds configuration for sink creation
type Config struct {
	Type SinkType

	// Google Sheets specific
	GoogleSpreadsheetID      string
	GoogleSheetName          string
	GoogleServiceAccountFile string
	GoogleServiceAccountJSON string
}

// FromAppConfig derives the sink configuration from the application config.
// A configured spreadsheet selects the sheets sink, otherwise memory.
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	sinkType := MemorySink
	if appConfig.GoogleSpreadsheetID != "" {
		sinkType = SheetsSink
	}

	return Config{
		Type:                     sinkType,
		GoogleSpreadsheetID:      appConfig.GoogleSpreadsheetID,
		GoogleSheetName:          appConfig.GoogleSheetName,
		GoogleServiceAccountFile: appConfig.GoogleServiceAccountFile,
		GoogleServiceAccountJSON: appConfig.GoogleServiceAccountJSON,
	}, nil
}

// Validate validates the sink configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid sink type: %s", c.Type)
	}

	if c.Type == SheetsSink {
		if c.GoogleSpreadsheetID == "" {
			return fmt.Errorf("spreadsheet id is required for the sheets sink")
		}
		if c.GoogleServiceAccountFile == "" && c.GoogleServiceAccountJSON == "" {
			return fmt.Errorf("service account credentials are required for the sheets sink")
		}
	}

	return nil
}

// NewSink creates the configured recap sink.
func NewSink(ctx context.Context, cfg Config) (recap.Appender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case SheetsSink:
		return google.New(ctx, google.Config{
			SpreadsheetID:      cfg.GoogleSpreadsheetID,
			SheetName:          cfg.GoogleSheetName,
			ServiceAccountFile: cfg.GoogleServiceAccountFile,
			ServiceAccountJSON: cfg.GoogleServiceAccountJSON,
		})
	case MemorySink:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}
