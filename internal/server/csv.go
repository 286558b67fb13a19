package server

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/ntu-info/emogo-backend-bloggerwang1217/internal/session/repository"
)

var csvHeader = []string{
	"session_id", "device_id", "emotion_score", "latitude", "longitude",
	"timestamp", "has_video", "created_at",
}

// WriteCSV streams the cursor's records as CSV, one row per session. Records
// are written as the cursor yields them; a million-session export never holds
// more than one row in memory.
func WriteCSV(w io.Writer, cursor repository.ExportCursor) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for cursor.Next() {
		rec := cursor.Record()
		row := []string{
			rec.SessionID,
			rec.DeviceID,
			strconv.Itoa(rec.EmotionScore),
			floatField(rec.Latitude),
			floatField(rec.Longitude),
			rec.EventTimestamp.UTC().Format(time.RFC3339Nano),
			yesNo(rec.HasVideo),
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	if err := cursor.Err(); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// yesNo renders the has_video column the way existing CSV consumers expect.
func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// floatField renders an optional coordinate, empty when absent.
func floatField(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
