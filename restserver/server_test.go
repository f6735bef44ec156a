// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package restserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/diffeo/osrm-batch-routing/broadcast"
	"github.com/diffeo/osrm-batch-routing/dispatch"
	"github.com/diffeo/osrm-batch-routing/osrm"
	"github.com/diffeo/osrm-batch-routing/projection"
	"github.com/diffeo/osrm-batch-routing/registry"
	"github.com/diffeo/osrm-batch-routing/upload"
)

// APIAssertions wires the whole boundary over an in-process engine
// with a scriptable daemon.
type APIAssertions struct {
	*assert.Assertions
	T      *testing.T
	Server *httptest.Server
	Daemon *httptest.Server
	API    *API

	// hold, when non-nil, blocks every daemon response until the
	// channel closes.  Set before submitting a job.
	hold chan struct{}
}

// HoldDaemon makes the fake daemon block each response on the given
// channel, keeping submitted jobs in the processing state.
func (a *APIAssertions) HoldDaemon(release chan struct{}) {
	a.hold = release
}

func NewAPIAssertions(t *testing.T) *APIAssertions {
	a := &APIAssertions{Assertions: assert.New(t), T: t}
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hold := a.hold; hold != nil {
			<-hold
		}
		fmt.Fprint(w, `{"code":"Ok","routes":[{"distance":1200,"duration":180,
			"geometry":{"type":"LineString","coordinates":[[2.35,48.85],[2.29,48.87]]}}]}`)
	}))
	t.Cleanup(daemon.Close)

	uploads, err := upload.NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	catalog, err := projection.LoadCatalog()
	if err != nil {
		t.Fatal(err)
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	resultsDir := t.TempDir()
	broadcaster := &broadcast.Broadcaster{}

	dispatcher := &dispatch.Dispatcher{
		Uploads:     uploads,
		Transformer: projection.NewTransformer(),
		Catalog:     catalog,
		Client:      &osrm.Client{BaseURL: daemon.URL},
		ResultsDir:  resultsDir,
		Log:         log,
	}
	reg := registry.New(registry.Options{
		Uploads:     uploads,
		Catalog:     catalog,
		Runner:      dispatcher,
		Broadcaster: broadcaster,
		Log:         log,
	})

	api := &API{
		Registry:    reg,
		Uploads:     uploads,
		Catalog:     catalog,
		Broadcaster: broadcaster,
		Log:         log,
		ResultsDir:  resultsDir,
		StartedAt:   time.Now(),
	}
	server := httptest.NewServer(NewRouter(api))
	t.Cleanup(server.Close)

	a.Server = server
	a.Daemon = daemon
	a.API = api
	return a
}

// do runs one request and decodes the envelope.
func (a *APIAssertions) do(method, path string, body io.Reader) (int, map[string]interface{}) {
	req, err := http.NewRequest(method, a.Server.URL+path, body)
	if err != nil {
		a.T.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		a.T.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &decoded)
	return resp.StatusCode, decoded
}

// UploadCSV pushes one table through the multipart endpoint and
// returns its file identifier.
func (a *APIAssertions) UploadCSV(content string) string {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "points.csv")
	if err != nil {
		a.T.Fatal(err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		a.T.Fatal(err)
	}
	mw.Close()

	resp, err := http.Post(a.Server.URL+"/api/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		a.T.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded struct {
		Success bool
		Data    upload.Descriptor
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		a.T.Fatal(err)
	}
	if !a.True(decoded.Success, "upload failed") {
		a.T.FailNow()
	}
	return decoded.Data.FileID
}

// SubmitJob submits a job over the uploaded file and returns its
// identifier.
func (a *APIAssertions) SubmitJob(fileID string) string {
	body := fmt.Sprintf(`{
		"fileId": %q,
		"projection": "EPSG:4326",
		"originFields": {"x": "ox", "y": "oy"},
		"destinationFields": {"x": "dx", "y": "dy"},
		"geometry": {"exportGeometry": true}
	}`, fileID)
	status, envelope := a.do("POST", "/api/routing/batch", strings.NewReader(body))
	if !a.Equal(http.StatusOK, status) {
		a.T.FailNow()
	}
	data := envelope["data"].(map[string]interface{})
	return data["jobId"].(string)
}

// WaitTerminal polls the status endpoint until the job leaves its
// running states.
func (a *APIAssertions) WaitTerminal(jobID string) map[string]interface{} {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, envelope := a.do("GET", "/api/routing/status/"+jobID, nil)
		if status == http.StatusOK {
			data := envelope["data"].(map[string]interface{})
			if s := data["status"].(string); s == "completed" || s == "failed" {
				return data
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	a.T.Fatal("job never reached a terminal state")
	return nil
}

const tableCSV = "ox,oy,dx,dy\n2.35,48.85,2.29,48.87\n4.83,45.76,4.87,45.75\n"

func TestHealth(t *testing.T) {
	a := NewAPIAssertions(t)
	status, body := a.do("GET", "/api/health", nil)
	a.Equal(http.StatusOK, status)
	a.Equal("ok", body["status"])
}

func TestProjectionsEndpoint(t *testing.T) {
	a := NewAPIAssertions(t)
	status, envelope := a.do("GET", "/api/projections", nil)
	a.Equal(http.StatusOK, status)
	a.True(envelope["success"].(bool))
	a.NotEmpty(envelope["data"])

	status, envelope = a.do("GET", "/api/projections?search=lambert&region=France", nil)
	a.Equal(http.StatusOK, status)
	a.NotEmpty(envelope["data"])
}

func TestUploadAndSample(t *testing.T) {
	a := NewAPIAssertions(t)
	fileID := a.UploadCSV(tableCSV)

	status, envelope := a.do("GET", "/api/upload/"+fileID+"/sample?limit=1", nil)
	a.Equal(http.StatusOK, status)
	data := envelope["data"].(map[string]interface{})
	a.Equal(float64(2), data["totalRows"])
	a.Len(data["sample"], 1)

	status, _ = a.do("GET", "/api/upload/unknown/sample", nil)
	a.Equal(http.StatusNotFound, status)
}

func TestUploadMissingPart(t *testing.T) {
	a := NewAPIAssertions(t)
	resp, err := http.Post(a.Server.URL+"/api/upload", "multipart/form-data; boundary=x", strings.NewReader("--x--\r\n"))
	if a.NoError(err) {
		defer resp.Body.Close()
		a.Equal(http.StatusBadRequest, resp.StatusCode)
	}
}

func TestSubmitStatusExportFlow(t *testing.T) {
	a := NewAPIAssertions(t)
	fileID := a.UploadCSV(tableCSV)
	jobID := a.SubmitJob(fileID)

	terminal := a.WaitTerminal(jobID)
	a.Equal("completed", terminal["status"])
	progress := terminal["progress"].(map[string]interface{})
	a.Equal(float64(2), progress["total"])
	a.Equal(float64(2), progress["successful"])

	// Export streams the file with its exact length
	resp, err := http.Get(a.Server.URL + "/api/routing/export/" + jobID)
	if !a.NoError(err) {
		return
	}
	defer resp.Body.Close()
	a.Equal(http.StatusOK, resp.StatusCode)
	a.Equal("application/geo+json", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	if a.NoError(err) {
		a.Equal(strconv.Itoa(len(raw)), resp.Header.Get("Content-Length"))
		a.Contains(string(raw), "FeatureCollection")
	}

	// Metadata document
	status, _ := a.do("GET", "/api/routing/metadata/"+jobID, nil)
	a.Equal(http.StatusOK, status)

	// Results materialisation
	status, envelope := a.do("GET", "/api/routing/results/"+jobID, nil)
	a.Equal(http.StatusOK, status)
	data := envelope["data"].(map[string]interface{})
	a.Len(data["features"], 2)
}

func TestExportBeforeCompletion(t *testing.T) {
	a := NewAPIAssertions(t)
	release := make(chan struct{})
	defer close(release)
	a.HoldDaemon(release)

	fileID := a.UploadCSV(tableCSV)
	jobID := a.SubmitJob(fileID)

	// While the daemon holds the job open, results and export are
	// precondition failures, not 404s
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, envelope := a.do("GET", "/api/routing/export/"+jobID, nil)
		if status == http.StatusBadRequest {
			a.Contains(envelope["error"], "not completed")
			break
		}
		if !time.Now().Before(deadline) {
			a.T.Fatal("never observed a running job")
		}
		time.Sleep(time.Millisecond)
	}
	status, _ := a.do("GET", "/api/routing/results/"+jobID, nil)
	a.Equal(http.StatusBadRequest, status)

	status, envelope := a.do("GET", "/api/routing/export/unknown-job", nil)
	a.Equal(http.StatusNotFound, status)
	a.False(envelope["success"].(bool))
}

func TestStatusUnknownJob(t *testing.T) {
	a := NewAPIAssertions(t)
	status, envelope := a.do("GET", "/api/routing/status/nope", nil)
	a.Equal(http.StatusNotFound, status)
	a.False(envelope["success"].(bool))
}

func TestSubmitValidationErrors(t *testing.T) {
	a := NewAPIAssertions(t)
	fileID := a.UploadCSV(tableCSV)

	// Unknown column
	body := fmt.Sprintf(`{
		"fileId": %q,
		"projection": "EPSG:4326",
		"originFields": {"x": "bogus", "y": "oy"},
		"destinationFields": {"x": "dx", "y": "dy"}
	}`, fileID)
	status, envelope := a.do("POST", "/api/routing/batch", strings.NewReader(body))
	a.Equal(http.StatusBadRequest, status)
	a.NotEmpty(envelope["fields"])

	// Malformed body
	status, _ = a.do("POST", "/api/routing/batch", strings.NewReader("{nope"))
	a.Equal(http.StatusBadRequest, status)

	// Unknown upload
	status, _ = a.do("POST", "/api/routing/batch", strings.NewReader(`{
		"fileId": "missing", "projection": "EPSG:4326",
		"originFields": {"x": "ox", "y": "oy"},
		"destinationFields": {"x": "dx", "y": "dy"}
	}`))
	a.Equal(http.StatusNotFound, status)
}

func TestCancelAndCleanup(t *testing.T) {
	a := NewAPIAssertions(t)
	fileID := a.UploadCSV(tableCSV)
	jobID := a.SubmitJob(fileID)

	a.WaitTerminal(jobID)

	// Cancel after terminal: success envelope, cancelled=false
	status, envelope := a.do("DELETE", "/api/routing/job/"+jobID, nil)
	a.Equal(http.StatusOK, status)
	data := envelope["data"].(map[string]interface{})
	a.False(data["cancelled"].(bool))

	// Cleanup removes record and files
	status, envelope = a.do("DELETE", "/api/routing/job/"+jobID+"/cleanup", nil)
	a.Equal(http.StatusOK, status)
	data = envelope["data"].(map[string]interface{})
	a.True(data["purged"].(bool))

	status, _ = a.do("GET", "/api/routing/status/"+jobID, nil)
	a.Equal(http.StatusNotFound, status)
	status, _ = a.do("GET", "/api/routing/export/"+jobID, nil)
	a.Equal(http.StatusNotFound, status)

	// Cleanup is idempotent
	status, envelope = a.do("DELETE", "/api/routing/job/"+jobID+"/cleanup", nil)
	a.Equal(http.StatusOK, status)
	data = envelope["data"].(map[string]interface{})
	a.False(data["purged"].(bool))
}
