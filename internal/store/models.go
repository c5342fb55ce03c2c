package store

import (
	"encoding/json"
	"time"
)

const DefaultUrgency = "Medium"

// CaseRecord is the canonical case document.
type CaseRecord struct {
	CaseID            string    `json:"caseId,omitempty"`
	CaseNumber        string    `json:"caseNumber"`
	CaseTitle         string    `json:"caseTitle"`
	DateOfIncident    string    `json:"dateOfIncident,omitempty"`
	Region            string    `json:"region,omitempty"`
	Between           string    `json:"between,omitempty"`
	Urgency           string    `json:"urgency,omitempty"`
	OwnerIDs          []string  `json:"userIds,omitempty"`
	LegacyOwnerID     string    `json:"userId,omitempty"`
	LocationTitles    []string  `json:"locationTitles"`
	ReportIntro       string    `json:"reportIntro"`
	ReportConclusion  string    `json:"reportConclusion"`
	SelectedForReport []int     `json:"selectedForReport"`
	CreatedAt         time.Time `json:"createdAt,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt,omitempty"`
}

// OriginalData keeps what the imported CSV row said about a location.
type OriginalData struct {
	CSVDescription string          `json:"csvDescription,omitempty"`
	RawData        json.RawMessage `json:"rawData,omitempty"`
}

// LocationRecord is one stop of a case route. Order is 0-based and dense
// within a case and doubles as the location's identity.
type LocationRecord struct {
	Order                 int          `json:"order"`
	Lat                   float64      `json:"lat"`
	Lng                   float64      `json:"lng"`
	Title                 string       `json:"title"`
	Description           string       `json:"description"`
	Timestamp             string       `json:"timestamp,omitempty"`
	IgnitionStatus        string       `json:"ignitionStatus,omitempty"`
	Address               string       `json:"address,omitempty"`
	OriginalData          OriginalData `json:"originalData"`
	MapSnapshotURL        string       `json:"mapSnapshotUrl,omitempty"`
	StreetViewSnapshotURL string       `json:"streetViewSnapshotUrl,omitempty"`
}

// UnmarshalJSON accepts the flat lat/lng shape as well as the older
// coordinates{latitude,longitude} one. Flat fields win when both are present.
func (l *LocationRecord) UnmarshalJSON(data []byte) error {
	type plain LocationRecord
	var wire struct {
		plain
		Lat         *float64 `json:"lat"`
		Lng         *float64 `json:"lng"`
		Coordinates *struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"coordinates"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*l = LocationRecord(wire.plain)
	if wire.Coordinates != nil {
		l.Lat, l.Lng = wire.Coordinates.Latitude, wire.Coordinates.Longitude
	}
	if wire.Lat != nil {
		l.Lat = *wire.Lat
	}
	if wire.Lng != nil {
		l.Lng = *wire.Lng
	}
	return nil
}

// HasSnapshot reports whether any captured image is attached.
func (l LocationRecord) HasSnapshot() bool {
	return l.MapSnapshotURL != "" || l.StreetViewSnapshotURL != ""
}

type CaseWithLocations struct {
	Case      CaseRecord       `json:"case"`
	Locations []LocationRecord `json:"locations"`
}

// CasePatch merges into a case. Nil fields are left untouched.
type CasePatch struct {
	CaseNumber        *string   `json:"caseNumber,omitempty"`
	CaseTitle         *string   `json:"caseTitle,omitempty"`
	DateOfIncident    *string   `json:"dateOfIncident,omitempty"`
	Region            *string   `json:"region,omitempty"`
	Between           *string   `json:"between,omitempty"`
	Urgency           *string   `json:"urgency,omitempty"`
	LocationTitles    *[]string `json:"locationTitles,omitempty"`
	ReportIntro       *string   `json:"reportIntro,omitempty"`
	ReportConclusion  *string   `json:"reportConclusion,omitempty"`
	SelectedForReport *[]int    `json:"selectedForReport,omitempty"`
}

func (p CasePatch) Empty() bool {
	return p == CasePatch{}
}

// Apply merges p into c.
func (p CasePatch) Apply(c *CaseRecord) {
	setString(&c.CaseNumber, p.CaseNumber)
	setString(&c.CaseTitle, p.CaseTitle)
	setString(&c.DateOfIncident, p.DateOfIncident)
	setString(&c.Region, p.Region)
	setString(&c.Between, p.Between)
	setString(&c.Urgency, p.Urgency)
	setString(&c.ReportIntro, p.ReportIntro)
	setString(&c.ReportConclusion, p.ReportConclusion)
	if p.LocationTitles != nil {
		c.LocationTitles = append([]string(nil), (*p.LocationTitles)...)
	}
	if p.SelectedForReport != nil {
		c.SelectedForReport = append([]int(nil), (*p.SelectedForReport)...)
	}
}

// LocationPatch merges into one location. Nil fields are left untouched.
type LocationPatch struct {
	Title                 *string `json:"title,omitempty"`
	Description           *string `json:"description,omitempty"`
	MapSnapshotURL        *string `json:"mapSnapshotUrl,omitempty"`
	StreetViewSnapshotURL *string `json:"streetViewSnapshotUrl,omitempty"`
}

func (p LocationPatch) Empty() bool {
	return p == LocationPatch{}
}

func (p LocationPatch) Apply(l *LocationRecord) {
	setString(&l.Title, p.Title)
	setString(&l.Description, p.Description)
	setString(&l.MapSnapshotURL, p.MapSnapshotURL)
	setString(&l.StreetViewSnapshotURL, p.StreetViewSnapshotURL)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// Report references its case by value; deleting a case removes its reports
// explicitly.
type Report struct {
	ReportID      string    `json:"reportId"`
	CaseID        string    `json:"caseId"`
	Introduction  string    `json:"introduction"`
	Conclusion    string    `json:"conclusion"`
	ReportType    string    `json:"reportType"`
	OwnerID       string    `json:"userId,omitempty"`
	ReportFileURL string    `json:"reportFileUrl,omitempty"`
	FileName      string    `json:"fileName,omitempty"`
	FileSize      int64     `json:"fileSize,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type CaseStats struct {
	TotalCases         int `json:"totalCases"`
	CasesWithLocations int `json:"casesWithLocations"`
	CasesWithSnapshots int `json:"casesWithSnapshots"`
	CasesWithReports   int `json:"casesWithReports"`
	TotalLocations     int `json:"totalLocations"`
	TotalSnapshots     int `json:"totalSnapshots"`
}
