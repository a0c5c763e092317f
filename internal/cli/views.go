package cli

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spatialvault/spatialvault/internal/vault/db/models"
	"github.com/spatialvault/spatialvault/internal/vault/registry"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type jobView struct {
	ID        string          `json:"jobID"`
	ProcessID string          `json:"processID"`
	Status    string          `json:"status"`
	Owner     string          `json:"owner"`
	Message   string          `json:"message,omitempty"`
	Progress  int             `json:"progress"`
	Attempt   int             `json:"attempt"`
	WorkerID  string          `json:"workerID,omitempty"`
	Inputs    json.RawMessage `json:"inputs,omitempty"`
	Outputs   json.RawMessage `json:"outputs,omitempty"`
	Created   time.Time       `json:"created"`
	Started   *time.Time      `json:"started,omitempty"`
	Finished  *time.Time      `json:"finished,omitempty"`
	Updated   time.Time       `json:"updated"`
}

func newJobView(j *models.Job) jobView {
	return jobView{
		ID:        j.ID.String(),
		ProcessID: j.ProcessID,
		Status:    string(j.Status),
		Owner:     j.Owner,
		Message:   j.Message,
		Progress:  j.Progress,
		Attempt:   j.Attempt,
		WorkerID:  j.WorkerID,
		Inputs:    j.Inputs,
		Outputs:   j.Outputs,
		Created:   j.Created,
		Started:   j.Started,
		Finished:  j.Finished,
		Updated:   j.Updated,
	}
}

var statusColors = map[models.JobStatus]*color.Color{
	models.JobStatusAccepted:   color.New(color.FgCyan),
	models.JobStatusRunning:    color.New(color.FgYellow),
	models.JobStatusSuccessful: color.New(color.FgGreen, color.Bold),
	models.JobStatusFailed:     color.New(color.FgRed, color.Bold),
	models.JobStatusDismissed:  color.New(color.FgHiBlack),
}

// coloredStatus renders a job status for terminals. Color is disabled
// automatically when stdout is not a terminal.
func coloredStatus(s models.JobStatus) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(string(s))
	}
	return string(s)
}

// typeLabel renders a collection type as a heading word.
func typeLabel(t string) string {
	return cases.Title(language.English).String(t)
}

type collectionView struct {
	ID            string      `json:"id"`
	CanonicalName string      `json:"canonicalName"`
	Owner         string      `json:"owner"`
	Type          string      `json:"type"`
	Storage       string      `json:"storage"`
	Title         string      `json:"title,omitempty"`
	Description   string      `json:"description,omitempty"`
	Version       int64       `json:"version"`
	ETag          string      `json:"etag"`
	Created       time.Time   `json:"created"`
	Updated       time.Time   `json:"updated"`
	Extent        *extentView `json:"extent,omitempty"`
	Aliases       []string    `json:"aliases,omitempty"`
	FeatureCount  *int64      `json:"featureCount,omitempty"`
}

type extentView struct {
	BBox  []float64  `json:"bbox,omitempty"`
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
	CRS   string     `json:"crs,omitempty"`
}

func newCollectionView(c *models.Collection) collectionView {
	v := collectionView{
		ID:            c.ID.String(),
		CanonicalName: c.CanonicalName,
		Owner:         c.Owner,
		Type:          string(c.Type),
		Title:         c.Title,
		Description:   c.Description,
		Version:       c.Version,
		ETag:          c.ETag(),
		Created:       c.CreatedAt,
		Updated:       c.UpdatedAt,
	}
	if c.Storage != nil {
		v.Storage = c.Storage.String()
	}
	return v
}

func newDescriptionView(d *registry.Description) collectionView {
	v := newCollectionView(d.Collection)
	v.Aliases = d.Aliases
	v.FeatureCount = d.FeatureCount
	if e := d.Extent; e != nil {
		ev := &extentView{Start: e.Start, End: e.End}
		if e.BBox != nil {
			ev.BBox = e.BBox[:]
		}
		if e.CRS != 0 {
			ev.CRS = "EPSG:" + strconv.Itoa(e.CRS)
		}
		v.Extent = ev
	}
	return v
}
