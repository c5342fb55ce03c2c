package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const caseColumns = `case_id, case_number, case_title, date_of_incident, region, between_text, urgency,
	owner_id, owner_ids::text, location_titles::text, report_intro, report_conclusion,
	selected_for_report::text, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (CaseRecord, error) {
	var (
		item                          CaseRecord
		ownerIDs, titles, selectedRaw string
	)
	if err := row.Scan(
		&item.CaseID,
		&item.CaseNumber,
		&item.CaseTitle,
		&item.DateOfIncident,
		&item.Region,
		&item.Between,
		&item.Urgency,
		&item.LegacyOwnerID,
		&ownerIDs,
		&titles,
		&item.ReportIntro,
		&item.ReportConclusion,
		&selectedRaw,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return CaseRecord{}, err
	}
	if err := json.Unmarshal([]byte(ownerIDs), &item.OwnerIDs); err != nil {
		return CaseRecord{}, fmt.Errorf("decode owner ids: %w", err)
	}
	if err := json.Unmarshal([]byte(titles), &item.LocationTitles); err != nil {
		return CaseRecord{}, fmt.Errorf("decode location titles: %w", err)
	}
	if err := json.Unmarshal([]byte(selectedRaw), &item.SelectedForReport); err != nil {
		return CaseRecord{}, fmt.Errorf("decode report selection: %w", err)
	}
	if len(item.OwnerIDs) == 0 && item.LegacyOwnerID != "" {
		item.OwnerIDs = []string{item.LegacyOwnerID}
	}
	return item, nil
}

const locationColumns = `ord, lat, lng, title, description, timestamp_text, ignition_status, address,
	original_data::text, map_snapshot_url, street_view_snapshot_url`

func scanLocation(row rowScanner) (LocationRecord, error) {
	var (
		item     LocationRecord
		original string
	)
	if err := row.Scan(
		&item.Order,
		&item.Lat,
		&item.Lng,
		&item.Title,
		&item.Description,
		&item.Timestamp,
		&item.IgnitionStatus,
		&item.Address,
		&original,
		&item.MapSnapshotURL,
		&item.StreetViewSnapshotURL,
	); err != nil {
		return LocationRecord{}, err
	}
	if err := json.Unmarshal([]byte(original), &item.OriginalData); err != nil {
		return LocationRecord{}, fmt.Errorf("decode original data: %w", err)
	}
	return item, nil
}

func jsonParam(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *PostgresStore) SaveCase(ctx context.Context, c CaseRecord, locations []LocationRecord) (string, error) {
	newCaseDefaults(&c, s.now())
	caseID := c.CaseID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", writeErr("save case", caseID, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	var existingRaw string
	err = tx.QueryRowContext(ctx, `SELECT owner_ids::text FROM cases WHERE case_id=$1 FOR UPDATE`, caseID).Scan(&existingRaw)
	var existing []string
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return "", writeErr("save case", caseID, fmt.Errorf("lock case: %w", err))
	default:
		if err := json.Unmarshal([]byte(existingRaw), &existing); err != nil {
			return "", writeErr("save case", caseID, fmt.Errorf("decode owner ids: %w", err))
		}
	}
	owners := mergeOwners(existing, c.OwnerIDs)
	legacyOwner := c.LegacyOwnerID
	if legacyOwner == "" && len(owners) > 0 {
		legacyOwner = owners[0]
	}

	ownersJSON, err := jsonParam(owners)
	if err != nil {
		return "", writeErr("save case", caseID, err)
	}
	titlesJSON, err := jsonParam(c.LocationTitles)
	if err != nil {
		return "", writeErr("save case", caseID, err)
	}
	selectedJSON, err := jsonParam(c.SelectedForReport)
	if err != nil {
		return "", writeErr("save case", caseID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cases (case_id, case_number, case_title, date_of_incident, region, between_text, urgency,
			owner_id, owner_ids, location_titles, report_intro, report_conclusion, selected_for_report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11, $12, $13::jsonb)
		ON CONFLICT (case_id) DO UPDATE SET
			case_number=EXCLUDED.case_number,
			case_title=EXCLUDED.case_title,
			date_of_incident=EXCLUDED.date_of_incident,
			region=EXCLUDED.region,
			between_text=EXCLUDED.between_text,
			urgency=EXCLUDED.urgency,
			owner_id=EXCLUDED.owner_id,
			owner_ids=EXCLUDED.owner_ids,
			location_titles=EXCLUDED.location_titles,
			report_intro=EXCLUDED.report_intro,
			report_conclusion=EXCLUDED.report_conclusion,
			selected_for_report=EXCLUDED.selected_for_report,
			updated_at=NOW()
	`, caseID, c.CaseNumber, c.CaseTitle, c.DateOfIncident, c.Region, c.Between, c.Urgency,
		legacyOwner, ownersJSON, titlesJSON, c.ReportIntro, c.ReportConclusion, selectedJSON); err != nil {
		return "", writeErr("save case", caseID, fmt.Errorf("upsert case: %w", err))
	}

	prepared := prepareLocations(locations, c.LocationTitles)
	for _, loc := range prepared {
		original, err := jsonParam(loc.OriginalData)
		if err != nil {
			return "", writeErr("save case", caseID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO case_locations (case_id, ord, location_id, lat, lng, title, description, timestamp_text,
				ignition_status, address, original_data, map_snapshot_url, street_view_snapshot_url)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13)
			ON CONFLICT (case_id, ord) DO UPDATE SET
				lat=EXCLUDED.lat,
				lng=EXCLUDED.lng,
				title=EXCLUDED.title,
				description=EXCLUDED.description,
				timestamp_text=EXCLUDED.timestamp_text,
				ignition_status=EXCLUDED.ignition_status,
				address=EXCLUDED.address,
				original_data=EXCLUDED.original_data,
				map_snapshot_url=COALESCE(NULLIF(EXCLUDED.map_snapshot_url, ''), case_locations.map_snapshot_url),
				street_view_snapshot_url=COALESCE(NULLIF(EXCLUDED.street_view_snapshot_url, ''), case_locations.street_view_snapshot_url),
				updated_at=NOW()
		`, caseID, loc.Order, LocationID(loc.Order), loc.Lat, loc.Lng, loc.Title, loc.Description, loc.Timestamp,
			loc.IgnitionStatus, loc.Address, original, loc.MapSnapshotURL, loc.StreetViewSnapshotURL); err != nil {
			return "", writeErr("save case", caseID, fmt.Errorf("upsert %s: %w", LocationID(loc.Order), err))
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM case_locations WHERE case_id=$1 AND ord >= $2`, caseID, len(prepared)); err != nil {
		return "", writeErr("save case", caseID, fmt.Errorf("prune locations: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return "", writeErr("save case", caseID, fmt.Errorf("commit: %w", err))
	}
	return caseID, nil
}

func (s *PostgresStore) LoadCase(ctx context.Context, caseID string) (CaseWithLocations, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id=$1`, caseID)
	item, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CaseWithLocations{}, ErrNotFound
	}
	if err != nil {
		return CaseWithLocations{}, fmt.Errorf("load case: %w", err)
	}
	locations, err := s.ListLocations(ctx, caseID)
	if err != nil {
		return CaseWithLocations{}, err
	}
	return CaseWithLocations{Case: item, Locations: compactByOrder(locations)}, nil
}

func (s *PostgresStore) CaseExists(ctx context.Context, caseID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM cases WHERE case_id=$1)`, caseID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check case: %w", err)
	}
	return exists, nil
}

// updateBuilder collects SET clauses for a partial update.
type updateBuilder struct {
	sets []string
	args []any
}

func (b *updateBuilder) add(column string, value any, cast string) {
	b.args = append(b.args, value)
	b.sets = append(b.sets, column+"=$"+strconv.Itoa(len(b.args))+cast)
}

func (b *updateBuilder) addString(column string, value *string) {
	if value != nil {
		b.add(column, *value, "")
	}
}

func (s *PostgresStore) UpdateCase(ctx context.Context, caseID string, patch CasePatch) error {
	var b updateBuilder
	b.addString("case_number", patch.CaseNumber)
	b.addString("case_title", patch.CaseTitle)
	b.addString("date_of_incident", patch.DateOfIncident)
	b.addString("region", patch.Region)
	b.addString("between_text", patch.Between)
	b.addString("urgency", patch.Urgency)
	b.addString("report_intro", patch.ReportIntro)
	b.addString("report_conclusion", patch.ReportConclusion)
	if patch.LocationTitles != nil {
		raw, err := jsonParam(*patch.LocationTitles)
		if err != nil {
			return writeErr("update case", caseID, err)
		}
		b.add("location_titles", raw, "::jsonb")
	}
	if patch.SelectedForReport != nil {
		raw, err := jsonParam(*patch.SelectedForReport)
		if err != nil {
			return writeErr("update case", caseID, err)
		}
		b.add("selected_for_report", raw, "::jsonb")
	}
	b.sets = append(b.sets, "updated_at=NOW()")
	b.args = append(b.args, caseID)

	query := `UPDATE cases SET ` + strings.Join(b.sets, ", ") + ` WHERE case_id=$` + strconv.Itoa(len(b.args))
	result, err := s.db.ExecContext(ctx, query, b.args...)
	if err != nil {
		return writeErr("update case", caseID, err)
	}
	return requireAffected(result, "update case", caseID)
}

func (s *PostgresStore) UpdateLocation(ctx context.Context, caseID string, order int, patch LocationPatch) error {
	var b updateBuilder
	b.addString("title", patch.Title)
	b.addString("description", patch.Description)
	b.addString("map_snapshot_url", patch.MapSnapshotURL)
	b.addString("street_view_snapshot_url", patch.StreetViewSnapshotURL)
	b.sets = append(b.sets, "updated_at=NOW()")
	b.args = append(b.args, caseID, order)

	n := len(b.args)
	query := `UPDATE case_locations SET ` + strings.Join(b.sets, ", ") +
		` WHERE case_id=$` + strconv.Itoa(n-1) + ` AND ord=$` + strconv.Itoa(n)
	result, err := s.db.ExecContext(ctx, query, b.args...)
	if err != nil {
		return writeErr("update "+LocationID(order), caseID, err)
	}
	return requireAffected(result, "update "+LocationID(order), caseID)
}

func requireAffected(result sql.Result, op, caseID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return writeErr(op, caseID, fmt.Errorf("rows affected: %w", err))
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LocationCount(ctx context.Context, caseID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM case_locations WHERE case_id=$1`, caseID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count locations: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListLocations(ctx context.Context, caseID string) ([]LocationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+locationColumns+` FROM case_locations WHERE case_id=$1 ORDER BY ord ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	items := make([]LocationRecord, 0)
	for rows.Next() {
		item, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListCasesForOwner(ctx context.Context, ownerID string) ([]CaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE owner_ids @> jsonb_build_array($1::text) OR owner_id=$1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	items := make([]CaseRecord, 0)
	for rows.Next() {
		item, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return items, nil
}

// ListAllCases returns every case, newest first. The search indexer uses it
// to rebuild.
func (s *PostgresStore) ListAllCases(ctx context.Context) ([]CaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list all cases: %w", err)
	}
	defer rows.Close()

	items := make([]CaseRecord, 0)
	for rows.Next() {
		item, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteCase(ctx context.Context, caseID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return writeErr("delete case", caseID, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reports WHERE case_id=$1`, caseID); err != nil {
		return writeErr("delete case", caseID, fmt.Errorf("delete reports: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM case_locations WHERE case_id=$1`, caseID); err != nil {
		return writeErr("delete case", caseID, fmt.Errorf("delete locations: %w", err))
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM cases WHERE case_id=$1`, caseID)
	if err != nil {
		return writeErr("delete case", caseID, err)
	}
	if err := requireAffected(result, "delete case", caseID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return writeErr("delete case", caseID, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func newReportID() string {
	return "report_" + uuid.NewString()
}

func (s *PostgresStore) CreateReport(ctx context.Context, report Report) (string, error) {
	if report.ReportID == "" {
		report.ReportID = newReportID()
	}
	if report.ReportType == "" {
		report.ReportType = "standard"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (report_id, case_id, introduction, conclusion, report_type, owner_id,
			report_file_url, file_name, file_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, report.ReportID, report.CaseID, report.Introduction, report.Conclusion, report.ReportType,
		report.OwnerID, report.ReportFileURL, report.FileName, report.FileSize)
	if err != nil {
		return "", writeErr("create report", report.CaseID, err)
	}
	return report.ReportID, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, caseID string) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, case_id, introduction, conclusion, report_type, owner_id,
			report_file_url, file_name, file_size, created_at
		FROM reports
		WHERE case_id=$1
		ORDER BY created_at DESC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	items := make([]Report, 0)
	for rows.Next() {
		var item Report
		if err := rows.Scan(
			&item.ReportID,
			&item.CaseID,
			&item.Introduction,
			&item.Conclusion,
			&item.ReportType,
			&item.OwnerID,
			&item.ReportFileURL,
			&item.FileName,
			&item.FileSize,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CaseStatistics(ctx context.Context, ownerID string) (CaseStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			COUNT(l.ord),
			COUNT(l.ord) FILTER (WHERE l.map_snapshot_url <> '' OR l.street_view_snapshot_url <> ''),
			EXISTS(SELECT 1 FROM reports r WHERE r.case_id = c.case_id)
		FROM cases c
		LEFT JOIN case_locations l ON l.case_id = c.case_id
		WHERE c.owner_ids @> jsonb_build_array($1::text) OR c.owner_id=$1
		GROUP BY c.case_id
	`, ownerID)
	if err != nil {
		return CaseStats{}, fmt.Errorf("case statistics: %w", err)
	}
	defer rows.Close()

	var stats CaseStats
	for rows.Next() {
		var (
			locations, snapshots int
			hasReports           bool
		)
		if err := rows.Scan(&locations, &snapshots, &hasReports); err != nil {
			return CaseStats{}, fmt.Errorf("scan case statistics: %w", err)
		}
		stats.add(locations, snapshots, hasReports)
	}
	if err := rows.Err(); err != nil {
		return CaseStats{}, fmt.Errorf("iterate case statistics: %w", err)
	}
	return stats, nil
}

func (s *CaseStats) add(locations, snapshots int, hasReports bool) {
	s.TotalCases++
	s.TotalLocations += locations
	s.TotalSnapshots += snapshots
	if locations > 0 {
		s.CasesWithLocations++
	}
	if snapshots > 0 {
		s.CasesWithSnapshots++
	}
	if hasReports {
		s.CasesWithReports++
	}
}
