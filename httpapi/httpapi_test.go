package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
	_ "modernc.org/sqlite"

	"github.com/timetab/timetab/cache"
	"github.com/timetab/timetab/kvstore"
	"github.com/timetab/timetab/prefs"
	"github.com/timetab/timetab/schedule"
	"github.com/timetab/timetab/syncer"
	"github.com/timetab/timetab/weekstore"
)

type stubFetcher struct {
	resp []byte
	err  error
}

func (f *stubFetcher) FetchRaw(ctx context.Context) ([]byte, error) {
	return f.resp, f.err
}

func testSnapshot() *schedule.Snapshot {
	return &schedule.Snapshot{
		Groups: []schedule.Group{
			{ID: "g1", Name: "G-201", Course: 2, Subgroup: 1},
			{ID: "g2", Name: "G-202", Course: 2, Subgroup: 1},
		},
		Schedule: map[string]map[string][]schedule.Lesson{
			"g1": {"MONDAY": {{
				ID: "l1", Subject: "Mathematics", Teacher: "Petrov P.", Room: "201",
				Time: "08:30-09:50", TimeSlot: schedule.TimeSlot{Start: "08:30", End: "09:50"},
				Kind: schedule.KindLecture,
			}}},
			"g2": {},
		},
	}
}

func newTestServer(t *testing.T, f syncer.Fetcher) (*httptest.Server, *weekstore.Store, *prefs.Settings) {
	t.Helper()
	kv := kvstore.OpenMemory(t)
	// A strictly advancing clock so back-to-back saves never share a
	// millisecond timestamp.
	var tick int64
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return time.Now().Add(time.Duration(tick) * time.Millisecond)
	}
	weeks := weekstore.New(kv, weekstore.Options{Now: now})
	settings := prefs.NewSettings(kv)
	favorites := prefs.NewFavorites(kv)
	if f == nil {
		f = &stubFetcher{err: errors.New("no remote in this test")}
	}
	coord := syncer.New(weeks, kv, settings, f, syncer.Options{})

	srv := &Server{
		Weeks:     weeks,
		Settings:  settings,
		Favorites: favorites,
		Coord:     coord,
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, weeks, settings
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func do(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)
	var body map[string]string
	resp := getJSON(t, ts.URL+"/health", &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
}

func TestScheduleEmpty(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)
	resp := getJSON(t, ts.URL+"/api/schedule", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestScheduleAndGroups(t *testing.T) {
	ts, weeks, _ := newTestServer(t, nil)
	ctx := context.Background()
	if _, err := weeks.SaveWeek(ctx, "1 - 6 SEPTEMBER", "1 - 6 SEPTEMBER", cache.SourceAPI, testSnapshot()); err != nil {
		t.Fatal(err)
	}

	var sched struct {
		WeekID string          `json:"week_id"`
		Name   string          `json:"name"`
		Stale  bool            `json:"stale"`
		Groups []scheduleGroup `json:"groups"`
	}
	resp := getJSON(t, ts.URL+"/api/schedule", &sched)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if sched.WeekID != "week-1-6-september" || len(sched.Groups) != 2 {
		t.Fatalf("schedule = %+v", sched)
	}
	if sched.Stale {
		t.Fatal("fresh save reported stale")
	}

	var groups []scheduleGroup
	getJSON(t, ts.URL+"/api/groups", &groups)
	if len(groups) != 2 || groups[0].Name != "G-201" {
		t.Fatalf("groups = %+v", groups)
	}
}

func TestWeeksAndActivate(t *testing.T) {
	ts, weeks, _ := newTestServer(t, nil)
	ctx := context.Background()
	if _, err := weeks.SaveWeek(ctx, "Week A", "Week A", cache.SourceAPI, testSnapshot()); err != nil {
		t.Fatal(err)
	}
	if _, err := weeks.SaveWeek(ctx, "Week B", "Week B", cache.SourceAPI, testSnapshot()); err != nil {
		t.Fatal(err)
	}

	var list []weekSummary
	getJSON(t, ts.URL+"/api/weeks", &list)
	if len(list) != 2 {
		t.Fatalf("weeks = %+v", list)
	}
	if !list[0].Active || list[0].WeekID != "week-week-b" {
		t.Fatalf("newest week should be active: %+v", list)
	}

	resp := do(t, http.MethodPost, ts.URL+"/api/weeks/week-week-a/activate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate = %d", resp.StatusCode)
	}
	active, err := weeks.ActiveWeek(ctx)
	if err != nil || active == nil || active.WeekID != "week-week-a" {
		t.Fatalf("active = %+v, %v", active, err)
	}

	resp = do(t, http.MethodPost, ts.URL+"/api/weeks/week-nope/activate", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown week = %d, want 404", resp.StatusCode)
	}
}

func TestClearCache(t *testing.T) {
	ts, weeks, _ := newTestServer(t, nil)
	ctx := context.Background()
	if _, err := weeks.SaveWeek(ctx, "Week A", "Week A", cache.SourceAPI, testSnapshot()); err != nil {
		t.Fatal(err)
	}

	resp := do(t, http.MethodDelete, ts.URL+"/api/cache", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("clear = %d", resp.StatusCode)
	}
	if entries, _ := weeks.Weeks(ctx); len(entries) != 0 {
		t.Fatalf("weeks after clear = %+v", entries)
	}
}

func TestSync(t *testing.T) {
	raw, err := json.Marshal(map[string]any{"data": map[string][][]any{
		"2 course (1)": {
			{"College of Design"},
			{},
			{"Approved"},
			{"1 - 6 SEPTEMBER"},
			{"", "Time", "G-201", ""},
			{"MONDAY"},
			{"", "8:30-9:50", "Mathematics / Petrov P.", "201"},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	ts, weeks, _ := newTestServer(t, &stubFetcher{resp: raw})

	resp := do(t, http.MethodPost, ts.URL+"/api/sync", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync = %d", resp.StatusCode)
	}
	active, err := weeks.ActiveWeek(context.Background())
	if err != nil || active == nil || active.Name != "1 - 6 SEPTEMBER" {
		t.Fatalf("active = %+v, %v", active, err)
	}

	var st syncer.Status
	getJSON(t, ts.URL+"/api/status", &st)
	if st.State != "idle" || st.LastSync == 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestSyncFailureAndDismiss(t *testing.T) {
	ts, _, _ := newTestServer(t, &stubFetcher{err: errors.New("boom")})

	resp := do(t, http.MethodPost, ts.URL+"/api/sync", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("sync = %d, want 502", resp.StatusCode)
	}

	var st syncer.Status
	getJSON(t, ts.URL+"/api/status", &st)
	if st.LastError == "" {
		t.Fatal("error not surfaced in status")
	}

	if resp := do(t, http.MethodPost, ts.URL+"/api/status/dismiss", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("dismiss = %d", resp.StatusCode)
	}
	st = syncer.Status{}
	getJSON(t, ts.URL+"/api/status", &st)
	if st.LastError != "" {
		t.Fatalf("error survived dismissal: %q", st.LastError)
	}
}

func buildWorkbook(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", "2 course (1)"); err != nil {
		t.Fatal(err)
	}
	rows := [][]any{
		{"College of Design"},
		{},
		{"Approved"},
		{"1 - 6 SEPTEMBER"},
		{"", "Time", "G-201", ""},
		{"MONDAY"},
		{"", "8:30-9:50", "Mathematics / Petrov P.", "201"},
	}
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow("2 course (1)", cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestImport(t *testing.T) {
	ts, weeks, _ := newTestServer(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "schedule_september_week1.xlsx")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(buildWorkbook(t)); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/import", &body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("import = %d", resp.StatusCode)
	}

	var summary weekSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatal(err)
	}
	if summary.Name != "september week1" || !summary.Active {
		t.Fatalf("summary = %+v", summary)
	}
	active, err := weeks.ActiveWeek(context.Background())
	if err != nil || active == nil || active.WeekID != summary.WeekID {
		t.Fatalf("active = %+v, %v", active, err)
	}
}

func TestImportRejectsBadExtension(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", "notes.txt")
	part.Write([]byte("not a workbook"))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("import = %d, want 400", resp.StatusCode)
	}
}

func TestSettingsUpdate(t *testing.T) {
	ts, _, settings := newTestServer(t, nil)
	ctx := context.Background()

	resp := do(t, http.MethodPut, ts.URL+"/api/settings", []byte(`{"mode":"offline","auto_sync":false}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put settings = %d", resp.StatusCode)
	}
	if !settings.OfflineMode(ctx) || settings.AutoSyncEnabled(ctx) {
		t.Fatalf("settings = %+v", settings.Get(ctx))
	}

	resp = do(t, http.MethodPut, ts.URL+"/api/settings", []byte(`{"mode":"turbo"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad mode = %d, want 400", resp.StatusCode)
	}
}

func TestFavorites(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	if resp := do(t, http.MethodPut, ts.URL+"/api/favorites/g1", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("add = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPut, ts.URL+"/api/favorites/default-course", []byte(`{"course":"2-1"}`)); resp.StatusCode != http.StatusOK {
		t.Fatalf("default course = %d", resp.StatusCode)
	}

	var fav prefs.FavoritesState
	getJSON(t, ts.URL+"/api/favorites", &fav)
	if len(fav.Groups) != 1 || fav.Groups[0] != "g1" || fav.DefaultCourse != "2-1" {
		t.Fatalf("favorites = %+v", fav)
	}

	if resp := do(t, http.MethodDelete, ts.URL+"/api/favorites/g1", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("remove = %d", resp.StatusCode)
	}
	getJSON(t, ts.URL+"/api/favorites", &fav)
	if len(fav.Groups) != 0 {
		t.Fatalf("favorites after remove = %+v", fav)
	}
}

func TestICalRoute(t *testing.T) {
	ts, weeks, _ := newTestServer(t, nil)
	ctx := context.Background()
	if _, err := weeks.SaveWeek(ctx, "Week A", "Week A", cache.SourceAPI, testSnapshot()); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/api/groups/g1/ical")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ical = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("content type = %q", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "SUMMARY:Mathematics") {
		t.Fatal("calendar missing the lesson")
	}

	resp2, err := http.Get(ts.URL + "/api/groups/nope/ical")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown group = %d, want 404", resp2.StatusCode)
	}
}
