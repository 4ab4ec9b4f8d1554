package gormstore

import (
	"context"
	"io"
	"log/slog"

	"gorm.io/gorm"

	"github.com/jeremy-morren/purees-sub002/core/es"
)

// Export writes the whole log to w in the format read by es.ReadRecords.
func (s *EventStore) Export(ctx context.Context, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	records, err := s.Records(ctx)
	if err != nil {
		return err
	}
	s.log.Debug("export", slog.Int("events", len(records)))
	return es.WriteRecords(w, records)
}

// DB returns the underlying database handle.
func (s *EventStore) DB() *gorm.DB { return s.db }

func (s *EventStore) Flush(ctx context.Context) error { return s.notifier.Flush(ctx) }

// Close closes the underlying connection pool.
func (s *EventStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
