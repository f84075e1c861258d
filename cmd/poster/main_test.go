package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikequentel/notesky/internal/config"
	"github.com/mikequentel/notesky/internal/model"
	"github.com/mikequentel/notesky/internal/store"
)

// fakeXRPC answers the four endpoints a post needs and records what it saw.
type fakeXRPC struct {
	mu      sync.Mutex
	calls   map[string]int
	records []json.RawMessage
}

func (f *fakeXRPC) handler() http.Handler {
	mux := http.NewServeMux()
	count := func(name string) {
		f.mu.Lock()
		f.calls[name]++
		f.mu.Unlock()
	}
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		count("createSession")
		var req model.CreateSessionReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "app-pass" {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, model.XRPCError{ErrorName: "AuthenticationRequired", Message: "Invalid identifier or password"})
			return
		}
		writeJSON(w, model.CreateSessionResp{AccessJwt: "access", RefreshJwt: "refresh", Handle: req.Identifier, DID: "did:plc:test"})
	})
	mux.HandleFunc("/xrpc/app.bsky.actor.getProfile", func(w http.ResponseWriter, r *http.Request) {
		count("getProfile")
		writeJSON(w, model.ProfileResp{DID: r.URL.Query().Get("actor"), Avatar: "https://cdn.example/avatar.jpg"})
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.uploadBlob", func(w http.ResponseWriter, r *http.Request) {
		count("uploadBlob")
		b, _ := io.ReadAll(r.Body)
		writeJSON(w, map[string]any{"blob": map[string]any{
			"$type": "blob", "ref": map[string]string{"$link": "bafkreiblob"},
			"mimeType": r.Header.Get("Content-Type"), "size": len(b),
		}})
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		count("page")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<html><head><meta property="og:title" content="A Page"><meta name="description" content="About it"></head></html>`)
	})
	mux.HandleFunc("/xrpc/com.atproto.repo.createRecord", func(w http.ResponseWriter, r *http.Request) {
		count("createRecord")
		var req struct {
			Record json.RawMessage `json:"record"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.records = append(f.records, req.Record)
		f.mu.Unlock()
		writeJSON(w, model.CreateRecordResp{URI: "at://did:plc:test/app.bsky.feed.post/3k", CID: "bafyrecord"})
	})
	return mux
}

func (f *fakeXRPC) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeXRPC) lastRecord(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		t.Fatal("no record was created")
	}
	var out map[string]any
	if err := json.Unmarshal(f.records[len(f.records)-1], &out); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return out
}

type harness struct {
	d   *deps
	svc *fakeXRPC
	url string
}

func newHarness(t *testing.T, dryRun bool) *harness {
	t.Helper()
	svc := &fakeXRPC{calls: map[string]int{}}
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "notesky.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return &harness{
		svc: svc,
		url: srv.URL,
		d: &deps{
			cfg: &config.Config{
				Service:         srv.URL,
				DryRun:          dryRun,
				PreviewDebounce: time.Millisecond,
			},
			store:  st,
			logger: zap.NewNop(),
			hc:     srv.Client(),
		},
	}
}

func (h *harness) saveSettings(t *testing.T, s model.Settings) {
	t.Helper()
	if err := h.d.store.SaveSettings(context.Background(), s); err != nil {
		t.Fatalf("save settings: %v", err)
	}
}

// run executes one command line and returns stdout and stderr.
func (h *harness) run(stdin string, args ...string) (string, string, error) {
	app := newCLIApp(h.d)
	var out, errOut bytes.Buffer
	app.Reader = strings.NewReader(stdin)
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.Run(append([]string{"notesky"}, args...))
	return out.String(), errOut.String(), err
}

var testSettings = model.Settings{Handle: "alice.bsky.social", AppPassword: "app-pass", DefaultHashtags: "#obsidian"}

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// ===================== post =====================

func TestPost_SelectionAppendsHashtags(t *testing.T) {
	h := newHarness(t, false)
	h.saveSettings(t, testSettings)

	out, stderr, err := h.run("A quote worth sharing\n", "post", "--selection")
	if err != nil {
		t.Fatalf("post failed: %v (stderr %q)", err, stderr)
	}

	rec := h.svc.lastRecord(t)
	if got, want := rec["text"], "A quote worth sharing\n\n#obsidian"; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
	facets, _ := rec["facets"].([]any)
	if len(facets) != 1 {
		t.Errorf("facets = %v, want one hashtag", rec["facets"])
	}
	if _, ok := rec["embed"]; ok {
		t.Errorf("unexpected embed: %v", rec["embed"])
	}
	if !strings.Contains(out, "at://did:plc:test/app.bsky.feed.post/3k") {
		t.Errorf("stdout missing uri: %s", out)
	}
	if !strings.Contains(stderr, "Posted to Bluesky!") {
		t.Errorf("stderr missing notice: %q", stderr)
	}

	hist, err := h.d.store.History(context.Background(), 0)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history = %v, %v; want one entry", hist, err)
	}
	if hist[0].CID != "bafyrecord" {
		t.Errorf("history cid = %q", hist[0].CID)
	}
}

func TestPost_EmptySelectionRejected(t *testing.T) {
	h := newHarness(t, false)
	h.saveSettings(t, testSettings)

	_, _, err := h.run("  \n", "post", "--selection")
	if err == nil || !strings.Contains(err.Error(), "no text selected") {
		t.Fatalf("err = %v, want no text selected", err)
	}
	if n := h.svc.count("createSession"); n != 0 {
		t.Errorf("createSession called %d times", n)
	}
}

func TestPost_Note(t *testing.T) {
	h := newHarness(t, false)
	h.saveSettings(t, testSettings)

	note := filepath.Join(t.TempDir(), "Daily.md")
	if err := os.WriteFile(note, []byte("  Today I learned #golang  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, stderr, err := h.run("", "post", "--note", note, "--no-hashtags"); err != nil {
		t.Fatalf("post failed: %v (stderr %q)", err, stderr)
	}
	if got := h.svc.lastRecord(t)["text"]; got != "Today I learned #golang" {
		t.Errorf("text = %q", got)
	}
}

func TestPost_EmptyNoteRejected(t *testing.T) {
	h := newHarness(t, false)
	note := filepath.Join(t.TempDir(), "Empty.md")
	if err := os.WriteFile(note, []byte("\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := h.run("", "post", "--note", note)
	if err == nil || !strings.Contains(err.Error(), "note is empty") {
		t.Fatalf("err = %v, want note is empty", err)
	}
}

func TestPost_WithImage(t *testing.T) {
	h := newHarness(t, false)
	h.saveSettings(t, testSettings)
	img := writePNG(t, t.TempDir(), "shot.png")

	if _, stderr, err := h.run("", "post", "--text", "See https://example.invalid/x", "--image", img); err != nil {
		t.Fatalf("post failed: %v (stderr %q)", err, stderr)
	}
	if n := h.svc.count("uploadBlob"); n != 1 {
		t.Errorf("uploadBlob called %d times, want 1", n)
	}
	embed, _ := h.svc.lastRecord(t)["embed"].(map[string]any)
	if embed["$type"] != "app.bsky.embed.images" {
		t.Fatalf("embed = %v, want images", embed)
	}
	images, _ := embed["images"].([]any)
	if len(images) != 1 {
		t.Fatalf("images = %v", images)
	}
	ratio, _ := images[0].(map[string]any)["aspectRatio"].(map[string]any)
	if ratio["width"] != float64(3) || ratio["height"] != float64(2) {
		t.Errorf("aspectRatio = %v, want 3x2", ratio)
	}
}

func TestPost_LinkCard(t *testing.T) {
	h := newHarness(t, false)
	h.saveSettings(t, testSettings)

	_, stderr, err := h.run("", "post", "--no-hashtags", "--text", "Read "+h.url+"/page")
	if err != nil {
		t.Fatalf("post failed: %v (stderr %q)", err, stderr)
	}
	embed, _ := h.svc.lastRecord(t)["embed"].(map[string]any)
	if embed["$type"] != "app.bsky.embed.external" {
		t.Fatalf("embed = %v, want external", embed)
	}
	ext, _ := embed["external"].(map[string]any)
	if ext["title"] != "A Page" || ext["description"] != "About it" || ext["uri"] != h.url+"/page" {
		t.Errorf("external = %v", ext)
	}
	if !strings.Contains(stderr, "Link card: A Page") {
		t.Errorf("stderr missing link card line: %q", stderr)
	}
	if n := h.svc.count("page"); n != 1 {
		t.Errorf("page fetched %d times, want 1", n)
	}
}

func TestPost_FailureReportedOnce(t *testing.T) {
	h := newHarness(t, false)
	h.saveSettings(t, testSettings)

	_, stderr, err := h.run("", "post", "--no-hashtags", "--text", strings.Repeat("a", 301))
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := strings.Count(stderr, "post is 301 bytes"); got != 1 {
		t.Errorf("notice printed %d times: %q", got, stderr)
	}

	var buf bytes.Buffer
	reportError(&buf, err)
	if buf.Len() != 0 {
		t.Errorf("already reported error printed again: %q", buf.String())
	}

	reportError(&buf, errors.New("boom"))
	if buf.String() != "error: boom\n" {
		t.Errorf("reportError = %q", buf.String())
	}
}

func TestPost_TooLong(t *testing.T) {
	h := newHarness(t, false)
	h.saveSettings(t, testSettings)

	_, _, err := h.run("", "post", "--no-hashtags", "--text", strings.Repeat("a", 301))
	if err == nil || !strings.Contains(err.Error(), "[VALIDATION] post is 301 bytes (max 300)") {
		t.Fatalf("err = %v", err)
	}
	if n := h.svc.count("createRecord"); n != 0 {
		t.Errorf("createRecord called %d times", n)
	}
}

func TestPost_MissingCredentials(t *testing.T) {
	h := newHarness(t, false)

	_, stderr, err := h.run("", "post", "--text", "hello")
	if err == nil || !strings.Contains(err.Error(), "[CONFIGURATION]") {
		t.Fatalf("err = %v, want configuration error", err)
	}
	if !strings.Contains(stderr, "handle is not set") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestPost_ConflictingSources(t *testing.T) {
	h := newHarness(t, false)
	_, _, err := h.run("x", "post", "--text", "a", "--selection")
	if err == nil || !strings.Contains(err.Error(), "only one of") {
		t.Fatalf("err = %v", err)
	}
}

func TestPost_DryRun(t *testing.T) {
	h := newHarness(t, true)
	h.saveSettings(t, testSettings)

	out, _, err := h.run("", "post", "--text", "Check https://example.com out")
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	for _, want := range []string{
		"DRY RUN ✅ (no network calls)",
		"Will post (40/300)",
		`"$type": "app.bsky.richtext.facet#link"`,
		`"$type": "app.bsky.richtext.facet#tag"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	for _, name := range []string{"createSession", "uploadBlob", "createRecord"} {
		if n := h.svc.count(name); n != 0 {
			t.Errorf("%s called %d times during dry run", name, n)
		}
	}
}

// ===================== login =====================

func TestLogin(t *testing.T) {
	h := newHarness(t, false)
	h.saveSettings(t, testSettings)

	out, _, err := h.run("", "login")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if got["did"] != "did:plc:test" || got["avatar"] != "https://cdn.example/avatar.jpg" {
		t.Errorf("login output = %v", got)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	h := newHarness(t, false)
	h.saveSettings(t, model.Settings{Handle: "alice.bsky.social", AppPassword: "nope"})

	_, _, err := h.run("", "login")
	if err == nil || !strings.Contains(err.Error(), "[AUTHENTICATION] login failed (status 401)") {
		t.Fatalf("err = %v", err)
	}
}

// ===================== settings =====================

func TestSettings_SetAndShow(t *testing.T) {
	h := newHarness(t, false)

	if _, _, err := h.run("secret-pass\n", "settings", "set", "--handle", " bob.bsky.social ", "--hashtags", "#notes", "--password"); err != nil {
		t.Fatalf("settings set: %v", err)
	}
	stored, err := h.d.store.LoadSettings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := model.Settings{Handle: "bob.bsky.social", AppPassword: "secret-pass", DefaultHashtags: "#notes"}
	if stored != want {
		t.Errorf("stored = %+v, want %+v", stored, want)
	}

	out, _, err := h.run("", "settings", "show")
	if err != nil {
		t.Fatalf("settings show: %v", err)
	}
	if strings.Contains(out, "secret-pass") || !strings.Contains(out, "********") {
		t.Errorf("password not masked: %s", out)
	}
}

func TestSettings_EnvWins(t *testing.T) {
	h := newHarness(t, false)
	h.saveSettings(t, testSettings)
	h.d.cfg.Env = model.Settings{Handle: "env.bsky.social"}

	out, _, err := h.run("", "settings", "show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "env.bsky.social") || !strings.Contains(out, "#obsidian") {
		t.Errorf("show = %s", out)
	}
}

// ===================== facets =====================

func TestFacetsCommand(t *testing.T) {
	h := newHarness(t, false)

	out, _, err := h.run("", "facets", "Check https://example.com out #obsidian")
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Bytes  int         `json:"bytes"`
		Over   bool        `json:"over"`
		Facets []facetView `json:"facets"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if got.Bytes != 39 || got.Over {
		t.Errorf("bytes = %d over = %v", got.Bytes, got.Over)
	}
	want := []facetView{
		{Kind: "link", ByteStart: 6, ByteEnd: 25, Value: "https://example.com", Match: "https://example.com"},
		{Kind: "hashtag", ByteStart: 30, ByteEnd: 39, Value: "obsidian", Match: "#obsidian"},
	}
	if len(got.Facets) != len(want) {
		t.Fatalf("facets = %+v", got.Facets)
	}
	for i := range want {
		if got.Facets[i] != want[i] {
			t.Errorf("facet %d = %+v, want %+v", i, got.Facets[i], want[i])
		}
	}
}

// ===================== history =====================

func TestHistoryCommand(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, text := range []string{"first", "second"} {
		e := model.HistoryEntry{URI: "at://x/" + text, CID: "c", Text: text, PostedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := h.d.store.RecordPost(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	out, _, err := h.run("", "history", "--limit", "1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "second") || strings.Contains(out, "first") {
		t.Errorf("history = %s", out)
	}
}

// ===================== helpers =====================

func TestIsHelpOrVersion(t *testing.T) {
	tests := []struct {
		args []string
		want bool
	}{
		{[]string{"notesky"}, true},
		{[]string{"notesky", "--help"}, true},
		{[]string{"notesky", "-v"}, true},
		{[]string{"notesky", "help"}, true},
		{[]string{"notesky", "post"}, false},
	}
	for _, tt := range tests {
		if got := isHelpOrVersion(tt.args); got != tt.want {
			t.Errorf("isHelpOrVersion(%v) = %v, want %v", tt.args, got, tt.want)
		}
	}
}

func TestEnsureFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "ok.txt")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ensureFile(p); err != nil {
		t.Errorf("ensureFile(file) = %v", err)
	}
	if err := ensureFile(dir); err == nil {
		t.Error("expected error for directory")
	}
	if err := ensureFile(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
