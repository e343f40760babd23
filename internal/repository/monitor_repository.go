package repository

import (
	"context"

	"github.com/google/uuid"
)

// MonitorRow is one student's line in the live monitor.
type MonitorRow struct {
	StudentID int      `json:"student_id"`
	Status    string   `json:"status"`
	Progress  int      `json:"progress"`
	Score     *float64 `json:"score,omitempty"`
	Frames    int64    `json:"frames"`
}

// MonitorRepository provides data access for the live exam monitor.
type MonitorRepository struct {
	db DBTX
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(db DBTX) *MonitorRepository {
	return &MonitorRepository{db: db}
}

// Sessions returns every started session of an exam with its frame count.
func (r *MonitorRepository) Sessions(ctx context.Context, examID uuid.UUID) ([]MonitorRow, error) {
	rows, err := r.db.Query(ctx,
		`SELECT es.student_id, es.status, es.progress, es.score,
		        (SELECT COUNT(*) FROM proctor_frames pf
		         WHERE pf.exam_id = es.exam_id AND pf.student_id = es.student_id)
		 FROM exam_sessions es
		 WHERE es.exam_id = $1 AND es.status <> 'NOT_STARTED'
		 ORDER BY es.student_id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []MonitorRow{}
	for rows.Next() {
		var m MonitorRow
		if err := rows.Scan(&m.StudentID, &m.Status, &m.Progress, &m.Score, &m.Frames); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
