package ingest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultFormType is assumed when a job omits formType.
const DefaultFormType = "6-K"

// FilingDateLayout is the layout of Job.Date.
const FilingDateLayout = "2006-01-02"

const archiveBaseURL = "https://www.sec.gov/Archives/edgar/data"

// Job is the unit of work carried on the queue.
type Job struct {
	CIK             string `json:"cik"`
	AccessionNumber string `json:"accessionNumber"`
	URL             string `json:"url"`
	FormType        string `json:"formType"`
	Date            string `json:"date"`
}

// ParseJob decodes and validates a queue message body. Every failure wraps
// ErrMalformedJob. A missing url is derived from the cik and accession number.
func ParseJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, fmt.Errorf("%w: decode: %v", ErrMalformedJob, err)
	}
	job.CIK = strings.TrimSpace(job.CIK)
	job.AccessionNumber = strings.TrimSpace(job.AccessionNumber)
	job.URL = strings.TrimSpace(job.URL)
	job.FormType = strings.TrimSpace(job.FormType)
	job.Date = strings.TrimSpace(job.Date)

	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	if job.URL == "" {
		job.URL = FilingURL(job.CIK, job.AccessionNumber)
	}
	if job.FormType == "" {
		job.FormType = DefaultFormType
	}
	return job, nil
}

// Validate checks the identifying fields of the job.
func (j Job) Validate() error {
	if j.CIK == "" {
		return fmt.Errorf("%w: cik is required", ErrMalformedJob)
	}
	if _, err := strconv.ParseUint(j.CIK, 10, 64); err != nil {
		return fmt.Errorf("%w: cik %q is not numeric", ErrMalformedJob, j.CIK)
	}
	if j.AccessionNumber == "" {
		return fmt.Errorf("%w: accessionNumber is required", ErrMalformedJob)
	}
	if j.URL != "" {
		u, err := url.Parse(j.URL)
		if err != nil {
			return fmt.Errorf("%w: url: %v", ErrMalformedJob, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: url %q must be absolute http(s)", ErrMalformedJob, j.URL)
		}
	}
	if j.Date != "" {
		if _, err := time.Parse(FilingDateLayout, j.Date); err != nil {
			return fmt.Errorf("%w: date %q: %v", ErrMalformedJob, j.Date, err)
		}
	}
	return nil
}

// FilingDate returns the parsed filing date, or nil when the job has none.
func (j Job) FilingDate() *time.Time {
	if j.Date == "" {
		return nil
	}
	d, err := time.Parse(FilingDateLayout, j.Date)
	if err != nil {
		return nil
	}
	return &d
}

// Key is the natural key of the filing as "<cik>/<accession>".
func (j Job) Key() string {
	return j.CIK + "/" + j.AccessionNumber
}

// ArchivePath is the blob path used to archive the raw document.
func (j Job) ArchivePath(prefix string) string {
	name := j.AccessionNumber + ".txt"
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(j.CIK, name)
	}
	return path.Join(prefix, j.CIK, name)
}

// FilingURL builds the EDGAR complete-submission text file URL for a filing.
// Leading zeros are stripped from the CIK and dashes from the accession
// directory, matching the EDGAR archive layout.
func FilingURL(cik, accession string) string {
	trimmed := strings.TrimLeft(cik, "0")
	if trimmed == "" {
		trimmed = "0"
	}
	dir := strings.ReplaceAll(accession, "-", "")
	return fmt.Sprintf("%s/%s/%s/%s.txt", archiveBaseURL, trimmed, dir, accession)
}
