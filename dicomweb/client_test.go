package dicomweb

import (
	"bytes"
	"context"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/dicom-web", HTTPClient: srv.Client()})
}

const studySearchBody = `[
  {
    "00100010": {"vr": "PN", "Value": [{"Alphabetic": "Doe^Jane"}]},
    "00100020": {"vr": "LO", "Value": ["PAT001"]},
    "00100030": {"vr": "DA", "Value": ["19700101"]},
    "0020000D": {"vr": "UI", "Value": ["1.2.3.4"]},
    "00080020": {"vr": "DA", "Value": ["20260110"]},
    "00081030": {"vr": "LO", "Value": ["CT ABDOMEN"]},
    "00200010": {"vr": "SH", "Value": [42]}
  },
  {
    "00100010": {"vr": "PN", "Value": [{"Alphabetic": "Doe^Jane"}]},
    "00100020": {"vr": "LO", "Value": ["PAT001"]},
    "00100030": {"vr": "DA", "Value": ["19801231"]},
    "0020000D": {"vr": "UI", "Value": ["1.2.3.5"]},
    "00081030": {"vr": "LO", "Value": ["MR HEAD"]}
  }
]`

func TestSearchStudyLevel(t *testing.T) {
	var gotPath, gotQuery, gotAccept string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", mimeDICOMJSON)
		w.Write([]byte(studySearchBody))
	})

	query := &types.QueryRequest{
		PatientID:        "PAT001",
		PatientName:      "*",
		StudyDate:        "20260110",
		StudyDescription: "CT.*",
	}
	results, err := client.Search(context.Background(), query, types.QueryLevelStudy)
	require.NoError(t, err)

	assert.Equal(t, "/dicom-web/studies", gotPath)
	assert.Equal(t, mimeDICOMJSON, gotAccept)
	// The wildcard patient name and the description post-filter must not
	// reach the archive.
	assert.Contains(t, gotQuery, "00100020=PAT001")
	assert.Contains(t, gotQuery, "00080020=20260110")
	assert.Contains(t, gotQuery, "includefield=all")
	assert.NotContains(t, gotQuery, "00100010")
	assert.NotContains(t, gotQuery, "00081030")

	// The MR study is filtered out client-side by the description pattern.
	require.Len(t, results, 1)
	got := results[0]
	assert.Equal(t, types.QueryLevelStudy, got.Level)
	assert.Equal(t, "Doe^Jane", got.PatientName)
	assert.Equal(t, "19700101", got.PatientBirthDate)
	assert.Equal(t, "1.2.3.4", got.StudyInstanceUID)
	assert.Equal(t, "CT ABDOMEN", got.StudyDescription)
	// Numeric attribute values decode to their string form.
	assert.Equal(t, "42", got.StudyID)
}

func TestSearchSeriesUnderStudy(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	results, err := client.Search(context.Background(),
		&types.QueryRequest{StudyInstanceUID: "1.2.3.4"}, types.QueryLevelSeries)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, "/dicom-web/studies/1.2.3.4/series", gotPath)
}

func TestSearchInstancePath(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := client.Search(context.Background(), &types.QueryRequest{
		StudyInstanceUID:  "1.2.3.4",
		SeriesInstanceUID: "1.2.3.4.5",
	}, types.QueryLevelImage)
	require.NoError(t, err)
	assert.Equal(t, "/dicom-web/studies/1.2.3.4/series/1.2.3.4.5/instances", gotPath)
}

func TestSearchModalityPostFilter(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", mimeDICOMJSON)
		w.Write([]byte(`[
  {"0020000E": {"vr": "UI", "Value": ["1.1"]}, "00080060": {"vr": "CS", "Value": ["CT"]}},
  {"0020000E": {"vr": "UI", "Value": ["1.2"]}, "00080060": {"vr": "CS", "Value": ["PR"]}},
  {"0020000E": {"vr": "UI", "Value": ["1.3"]}, "00080060": {"vr": "CS", "Value": ["mr"]}}
]`))
	})

	results, err := client.Search(context.Background(), &types.QueryRequest{
		StudyInstanceUID: "1.2.3.4",
		Modalities:       []string{"CT", "MR"},
	}, types.QueryLevelSeries)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "1.1", results[0].SeriesInstanceUID)
	assert.Equal(t, "1.3", results[1].SeriesInstanceUID)
}

func TestSearchPatientLevelRejected(t *testing.T) {
	client := New(Config{BaseURL: "http://unused"})
	_, err := client.Search(context.Background(), &types.QueryRequest{}, types.QueryLevelPatient)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestSearchInvalidDescriptionPattern(t *testing.T) {
	client := New(Config{BaseURL: "http://unused"})
	_, err := client.Search(context.Background(),
		&types.QueryRequest{StudyDescription: "("}, types.QueryLevelStudy)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "study description")
}

func TestSearchServerBusy(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.Search(context.Background(), &types.QueryRequest{}, types.QueryLevelStudy)
	re, ok := errors.AsRetriable(err)
	require.True(t, ok, "expected retriable error, got %v", err)
	// A busy archive clears up quickly; only local disk exhaustion earns the
	// long retry delay.
	assert.Equal(t, errors.RetryTransient, re.Kind)
}

func multipartDICOMResponse(t *testing.T, w http.ResponseWriter, objects ...[]byte) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, obj := range objects {
		part, err := writer.CreatePart(textproto.MIMEHeader{"Content-Type": []string{mimeDICOM}})
		require.NoError(t, err)
		_, err = part.Write(obj)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	w.Header().Set("Content-Type",
		mime.FormatMediaType("multipart/related", map[string]string{
			"type":     mimeDICOM,
			"boundary": writer.Boundary(),
		}))
	w.Write(body.Bytes())
}

func TestRetrieveSeries(t *testing.T) {
	first := []byte("first object")
	second := []byte("second object")

	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		multipartDICOMResponse(t, w, first, second)
	})

	var received [][]byte
	err := client.Retrieve(context.Background(), types.QueryLevelSeries,
		RetrieveIDs{StudyInstanceUID: "1.2.3.4", SeriesInstanceUID: "1.2.3.4.5"},
		func(data []byte) error {
			received = append(received, data)
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, "/dicom-web/studies/1.2.3.4/series/1.2.3.4.5", gotPath)
	require.Len(t, received, 2)
	assert.Equal(t, first, received[0])
	assert.Equal(t, second, received[1])
}

func TestRetrieveMissingIDs(t *testing.T) {
	client := New(Config{BaseURL: "http://unused"})

	cases := []struct {
		name  string
		level types.QueryLevel
		ids   RetrieveIDs
	}{
		{"no study UID", types.QueryLevelStudy, RetrieveIDs{}},
		{"series without series UID", types.QueryLevelSeries, RetrieveIDs{StudyInstanceUID: "1.2"}},
		{"instance without SOP UID", types.QueryLevelImage, RetrieveIDs{StudyInstanceUID: "1.2", SeriesInstanceUID: "1.3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := client.Retrieve(context.Background(), tc.level, tc.ids, func([]byte) error { return nil })
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}
}

func TestRetrieveMetadataSeries(t *testing.T) {
	var gotPath, gotAccept string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", mimeDICOMJSON)
		w.Write([]byte(`[
  {"00080018": {"vr": "UI", "Value": ["1.2.3.4.5.1"]}},
  {"00080018": {"vr": "UI", "Value": ["1.2.3.4.5.2"]}}
]`))
	})

	datasets, err := client.RetrieveMetadata(context.Background(), types.QueryLevelSeries,
		RetrieveIDs{StudyInstanceUID: "1.2.3.4", SeriesInstanceUID: "1.2.3.4.5"})
	require.NoError(t, err)

	assert.Equal(t, "/dicom-web/studies/1.2.3.4/series/1.2.3.4.5/metadata", gotPath)
	assert.Equal(t, mimeDICOMJSON, gotAccept)
	require.Len(t, datasets, 2)
	// Header attributes only, one dataset per object, no bulk data.
	for _, ds := range datasets {
		assert.Contains(t, string(ds), "00080018")
		assert.NotContains(t, string(ds), "7FE00010")
	}
}

func TestRetrieveMetadataEmptySeries(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	datasets, err := client.RetrieveMetadata(context.Background(), types.QueryLevelSeries,
		RetrieveIDs{StudyInstanceUID: "1.2.3.4", SeriesInstanceUID: "1.2.3.4.5"})
	require.NoError(t, err)
	assert.Empty(t, datasets)
}

func TestRetrieveMetadataServerBusy(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.RetrieveMetadata(context.Background(), types.QueryLevelStudy,
		RetrieveIDs{StudyInstanceUID: "1.2.3.4"})
	re, ok := errors.AsRetriable(err)
	require.True(t, ok, "expected retriable error, got %v", err)
	assert.Equal(t, errors.RetryTransient, re.Kind)
}

func TestRetrieveTransientStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.Retrieve(context.Background(), types.QueryLevelStudy,
		RetrieveIDs{StudyInstanceUID: "1.2.3.4"}, func([]byte) error { return nil })
	re, ok := errors.AsRetriable(err)
	require.True(t, ok, "expected retriable error, got %v", err)
	assert.Equal(t, errors.RetryTransient, re.Kind)
}

func TestStoreSendsMultipart(t *testing.T) {
	var requests int
	var gotContentType string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		gotContentType = r.Header.Get("Content-Type")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/dicom-web/studies", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	summary, err := client.Store(context.Background(), []StoreInput{
		{Data: []byte("object one")},
		{Data: []byte("object two")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	// One request per object.
	assert.Equal(t, 2, requests)

	mediaType, params, err := mime.ParseMediaType(gotContentType)
	require.NoError(t, err)
	assert.Equal(t, "multipart/related", mediaType)
	assert.Equal(t, mimeDICOM, params["type"])
	assert.NotEmpty(t, params["boundary"])
}

func TestStorePartialFailure(t *testing.T) {
	var requests int
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 2 {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	summary, err := client.Store(context.Background(), []StoreInput{
		{Data: []byte("ok")},
		{Data: []byte("rejected")},
		{Data: []byte("ok")},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	partial, ok := errors.AsPartial(err)
	require.True(t, ok, "expected partial failure, got %v", err)
	assert.Equal(t, 1, partial.Failed)
	assert.Equal(t, 3, partial.Total)
}

func TestStoreAllRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	summary, err := client.Store(context.Background(),
		[]StoreInput{{Data: []byte("obj")}}, nil)
	require.Error(t, err)
	assert.Zero(t, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	var full *errors.FullFailureError
	assert.ErrorAs(t, err, &full)
}
