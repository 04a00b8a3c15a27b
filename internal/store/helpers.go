package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/CareCircle/internal/models"
)

// scanTurns scans an ordered turn log from sql.Rows.
func scanTurns(rows *sql.Rows) ([]models.Turn, error) {
	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		var kind string
		if err := rows.Scan(&t.SessionID, &t.SequenceNumber, &t.SpeakerIndex, &kind, &t.Content, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn row failed: %w", err)
		}
		t.SpeakerKind = models.SpeakerKind(kind)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows failed: %w", err)
	}
	return turns, nil
}
