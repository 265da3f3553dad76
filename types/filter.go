package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ResultFilter holds the compiled client-side post-filters of one query.
// Archives are not trusted to filter these attributes: birth date matching is
// exact, descriptions are regular expressions, modality is an in-list check,
// and series numbers compare as integers because the wire value is a string
// ("07" must match 7).
type ResultFilter struct {
	birthDate    string
	studyDesc    *regexp.Regexp
	seriesDesc   *regexp.Regexp
	modalities   []string
	seriesNum    int
	seriesNumSet bool
}

// NewResultFilter compiles the post-filter for a query. Pattern fields that
// fail to compile are reported as errors before anything goes on the wire.
func NewResultFilter(q *QueryRequest) (*ResultFilter, error) {
	f := &ResultFilter{
		birthDate:  q.PatientBirthDate,
		modalities: q.Modalities,
	}

	var err error
	if q.StudyDescription != "" {
		if f.studyDesc, err = regexp.Compile(q.StudyDescription); err != nil {
			return nil, fmt.Errorf("invalid study description pattern: %w", err)
		}
	}
	if q.SeriesDescription != "" {
		if f.seriesDesc, err = regexp.Compile(q.SeriesDescription); err != nil {
			return nil, fmt.Errorf("invalid series description pattern: %w", err)
		}
	}
	if q.SeriesNumber != "" {
		if f.seriesNum, err = strconv.Atoi(strings.TrimSpace(q.SeriesNumber)); err != nil {
			return nil, fmt.Errorf("invalid series number %q: %w", q.SeriesNumber, err)
		}
		f.seriesNumSet = true
	}

	return f, nil
}

// Matches reports whether one result survives the post-filters.
func (f *ResultFilter) Matches(r *QueryResult) bool {
	if f.birthDate != "" && r.PatientBirthDate != f.birthDate {
		return false
	}
	if f.studyDesc != nil && !f.studyDesc.MatchString(r.StudyDescription) {
		return false
	}
	if f.seriesDesc != nil && !f.seriesDesc.MatchString(r.SeriesDescription) {
		return false
	}
	if len(f.modalities) > 0 {
		found := false
		for _, m := range f.modalities {
			if strings.EqualFold(m, r.Modality) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.seriesNumSet {
		n, err := strconv.Atoi(strings.TrimSpace(r.SeriesNumber))
		if err != nil || n != f.seriesNum {
			return false
		}
	}
	return true
}
