package gormstore

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/jeremy-morren/purees-sub002/core/es"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// eventRow is one committed event. Position is the overall position and is
// assigned by the store, not by the database.
type eventRow struct {
	Position  uint64    `gorm:"column:overall_pos;primaryKey;autoIncrement:false"`
	EventID   string    `gorm:"size:36;not null;uniqueIndex"`
	StreamID  string    `gorm:"size:255;not null;uniqueIndex:idx_stream_pos,priority:1"`
	StreamPos uint64    `gorm:"not null;uniqueIndex:idx_stream_pos,priority:2"`
	EventType string    `gorm:"size:255;not null"`
	Data      string    `gorm:"type:text;not null"`
	Metadata  *string   `gorm:"type:text"`
	Timestamp time.Time `gorm:"column:committed_at;not null"`
}

func (eventRow) TableName() string { return "events" }

// eventNameRow indexes an event under every name it can be read by: its
// concrete type and each family it belongs to.
type eventNameRow struct {
	Name     string `gorm:"size:255;primaryKey"`
	Position uint64 `gorm:"column:overall_pos;primaryKey;autoIncrement:false"`
}

func (eventNameRow) TableName() string { return "event_names" }

func toRow(r es.Record) (eventRow, error) {
	row := eventRow{
		Position:  r.OverallPosition,
		EventID:   r.EventID.String(),
		StreamID:  r.StreamID,
		StreamPos: r.StreamPosition.Uint64(),
		EventType: r.EventType,
		Data:      string(r.Event),
		Timestamp: r.Timestamp,
	}
	if len(r.Metadata) > 0 {
		md, err := json.MarshalToString(r.Metadata)
		if err != nil {
			return row, err
		}
		row.Metadata = &md
	}
	return row, nil
}

func (row eventRow) record() (es.Record, error) {
	id, err := uuid.Parse(row.EventID)
	if err != nil {
		return es.Record{}, fmt.Errorf("%w: event id %q at %d", es.ErrCorruptLog, row.EventID, row.Position)
	}
	r := es.Record{
		EventID:         id,
		StreamID:        row.StreamID,
		StreamPosition:  es.Revision(row.StreamPos),
		OverallPosition: row.Position,
		Timestamp:       row.Timestamp.UTC(),
		EventType:       row.EventType,
		Event:           jsoniter.RawMessage(row.Data),
	}
	if row.Metadata != nil {
		if err := json.UnmarshalFromString(*row.Metadata, &r.Metadata); err != nil {
			return es.Record{}, fmt.Errorf("%w: metadata at %d: %w", es.ErrCorruptLog, row.Position, err)
		}
	}
	return r, nil
}

func records(rows []eventRow) ([]es.Record, error) {
	out := make([]es.Record, len(rows))
	for i, row := range rows {
		r, err := row.record()
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}
