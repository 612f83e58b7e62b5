package composio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/haasonsaas/cos/internal/kv"
	"github.com/haasonsaas/cos/internal/mcp"
	"github.com/haasonsaas/cos/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testHTTPClient(t *testing.T) *http.Client {
	t.Helper()
	tr := &http.Transport{}
	t.Cleanup(tr.CloseIdleConnections)
	return &http.Client{Transport: tr}
}

const (
	fetchSchema = `{"type":"object","properties":{"query":{"type":"string"},"max_results":{"type":"integer"}}}`
	sendSchema  = `{"type":"object","properties":{"to":{"type":"string"},"subject":{"type":"string"},"body":{"type":"string"}},"required":["to","body"]}`
)

func TestCanonicalize(t *testing.T) {
	known := []string{
		"GMAIL_FETCH_EMAILS",
		"GMAIL_SEND_EMAIL",
		"GMAIL_DELETE_DRAFT",
		"GOOGLECALENDAR_EVENTS_LIST",
		"GOOGLECALENDAR_CREATE_EVENT",
	}
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "exact", in: "GMAIL_SEND_EMAIL", want: "GMAIL_SEND_EMAIL"},
		{name: "case and separators", in: "gmail-send email", want: "GMAIL_SEND_EMAIL"},
		{name: "alias", in: "GMAIL_SEND", want: "GMAIL_SEND_EMAIL"},
		{name: "calendar alias", in: "googlecalendar_list_events", want: "GOOGLECALENDAR_EVENTS_LIST"},
		{name: "token order", in: "GMAIL_EMAILS_FETCH", want: "GMAIL_FETCH_EMAILS"},
		{name: "fuzzy substring", in: "GMAIL_FETCH_EMAIL", want: "GMAIL_FETCH_EMAILS"},
		{name: "get never becomes delete", in: "GMAIL_GET_DRAFT", wantErr: ErrVerbCollision},
		{name: "unknown toolkit", in: "NOTION_CREATE_PAGE", wantErr: ErrUnknownSlug},
		{name: "empty", in: "  ", wantErr: ErrUnknownSlug},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.in, known)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Canonicalize(%q) error = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Canonicalize(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonicalize_VerbCollisionPairs(t *testing.T) {
	pairs := [][2]string{
		{"SLACK_GET_MESSAGE", "SLACK_DELETE_MESSAGE"},
		{"SLACK_CREATE_REMINDER", "SLACK_DELETE_REMINDER"},
		{"TRELLO_ADD_LABEL", "TRELLO_REMOVE_LABEL"},
		{"GITHUB_LIST_LABEL", "GITHUB_DELETE_LABEL"},
		{"GMAIL_SEND_DRAFT", "GMAIL_DELETE_DRAFT"},
	}
	for _, p := range pairs {
		if _, err := Canonicalize(p[0], []string{p[1]}); !errors.Is(err, ErrVerbCollision) {
			t.Errorf("Canonicalize(%s, [%s]) error = %v, want verb collision", p[0], p[1], err)
		}
	}
}

func TestNormalizeToolkit(t *testing.T) {
	for in, want := range map[string]string{
		"Google Calendar":  "googlecalendar",
		"google_calendar":  "googlecalendar",
		"GMAIL":            "gmail",
		" github-actions ": "githubactions",
	} {
		if got := NormalizeToolkit(in); got != want {
			t.Errorf("NormalizeToolkit(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFindRedirectURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "explicit snake case",
			in:   `{"data":{"gmail":{"redirect_url":"https://connect.example.com/link/abc"}}}`,
			want: "https://connect.example.com/link/abc",
		},
		{
			name: "explicit camel case",
			in:   `[{"status":"INITIATED","redirectUrl":"https://connect.example.com/x"}]`,
			want: "https://connect.example.com/x",
		},
		{
			name: "oauth url field",
			in:   `{"links":[{"url":"https://example.com/docs"},{"url":"https://accounts.example.com/o/oauth2/auth?x=1"}]}`,
			want: "https://accounts.example.com/o/oauth2/auth?x=1",
		},
		{
			name: "nested json string",
			in:   `{"data":"{\"redirect_url\":\"https://connect.example.com/nested\"}"}`,
			want: "https://connect.example.com/nested",
		},
		{
			name: "plain text",
			in:   "Please open https://github.com/login/oauth/authorize?client_id=1. Then retry.",
			want: "https://github.com/login/oauth/authorize?client_id=1",
		},
		{
			name: "no link",
			in:   `{"url":"https://example.com/docs","status":"ACTIVE"}`,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FindRedirectURL(tt.in); got != tt.want {
				t.Errorf("FindRedirectURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParamHints(t *testing.T) {
	got := ParamHints(json.RawMessage(sendSchema))
	want := []string{"to", "body", "subject?"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParamHints mismatch (-want +got):\n%s", diff)
	}
	if got := ParamHints(json.RawMessage(`not json`)); got != nil {
		t.Errorf("ParamHints(invalid) = %v", got)
	}
}

func connectBroker(t *testing.T, f *fakeBroker) *Broker {
	t.Helper()
	b := NewBroker(BrokerConfig{BaseURL: f.srv.URL, APIKey: testAPIKey, HTTPClient: testHTTPClient(t)})
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { b.Disconnect() })
	return b
}

func TestBroker_ConnectRequiresKey(t *testing.T) {
	f := newFakeBroker(t)
	b := NewBroker(BrokerConfig{BaseURL: f.srv.URL, HTTPClient: testHTTPClient(t)})
	if err := b.Connect(context.Background()); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("Connect without key = %v", err)
	}
	b.SetAPIKey("wrong")
	err := b.Connect(context.Background())
	var status *mcp.HTTPStatusError
	if !errors.As(err, &status) || status.Status != http.StatusUnauthorized {
		t.Fatalf("Connect with bad key = %v", err)
	}
	if _, err := b.Search(context.Background(), "email"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Search before connect = %v", err)
	}
}

func TestBroker_Endpoint(t *testing.T) {
	b := NewBroker(BrokerConfig{BaseURL: "https://backend.example.com/mcp/", ProxyURL: "https://proxy.example.com/"})
	if got, want := b.Endpoint(), "https://proxy.example.com/https://backend.example.com/mcp"; got != want {
		t.Errorf("Endpoint = %q, want %q", got, want)
	}
}

func TestRegistry_DiscoverBatchesAndPersists(t *testing.T) {
	f := newFakeBroker(t)
	f.addSchema(schema("GMAIL_FETCH_EMAILS", "gmail", "Fetch emails matching a query.", fetchSchema))
	f.addSchema(schema("GMAIL_SEND_EMAIL", "gmail", "Send an email.", sendSchema))
	for i := 0; i < 23; i++ {
		f.addSchema(schema(fmt.Sprintf("SLACK_TOOL_%02d", i), "slack", "", `{"type":"object"}`))
	}
	b := connectBroker(t, f)
	store := kv.NewMemory()
	ctx := context.Background()

	reg := NewRegistry(store, b)
	got, err := reg.Discover(ctx, "email")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(got) != maxDiscoverySlugs {
		t.Errorf("discovered %d schemas, want %d", len(got), maxDiscoverySlugs)
	}
	f.mu.Lock()
	calls := f.schemaCalls
	f.mu.Unlock()
	if calls != 2 {
		t.Errorf("GET_TOOL_SCHEMAS calls = %d, want 2 batches", calls)
	}

	s, ok := reg.Lookup("GMAIL_SEND_EMAIL")
	if !ok || s.Toolkit != "gmail" {
		t.Fatalf("Lookup = %+v, %v", s, ok)
	}

	reloaded := NewRegistry(store, nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(reg.Slugs(), reloaded.Slugs()); diff != "" {
		t.Errorf("persisted slugs differ (-live +reloaded):\n%s", diff)
	}

	var gmail *struct {
		pitfalls int
		params   []string
	}
	for _, sec := range reloaded.Sections() {
		if sec.Toolkit != "gmail" {
			continue
		}
		for _, line := range sec.Tools {
			if line.Slug == "GMAIL_SEND_EMAIL" {
				gmail = &struct {
					pitfalls int
					params   []string
				}{len(sec.Pitfalls), line.Params}
			}
		}
	}
	if gmail == nil {
		t.Fatal("gmail section missing GMAIL_SEND_EMAIL")
	}
	if gmail.pitfalls == 0 {
		t.Error("gmail section has no pitfalls")
	}
	if diff := cmp.Diff([]string{"to", "body", "subject?"}, gmail.params); diff != "" {
		t.Errorf("params (-want +got):\n%s", diff)
	}
}

func TestRegistry_TTLAndEviction(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	reg := NewRegistry(kv.NewMemory(), nil, WithMaxToolkits(2), WithTTL(24*time.Hour), WithClock(clock))
	ctx := context.Background()

	for i, tk := range []string{"gmail", "slack", "github"} {
		now = now.Add(time.Duration(i) * time.Minute)
		slug := strings.ToUpper(tk) + "_LIST_THINGS"
		if err := reg.Put(ctx, []ToolSchema{schema(slug, tk, "", `{}`)}); err != nil {
			t.Fatalf("Put %s: %v", tk, err)
		}
	}
	if diff := cmp.Diff([]string{"GITHUB_LIST_THINGS", "SLACK_LIST_THINGS"}, reg.Slugs()); diff != "" {
		t.Errorf("after eviction (-want +got):\n%s", diff)
	}

	now = now.Add(25 * time.Hour)
	if got := reg.Slugs(); len(got) != 0 {
		t.Errorf("expired slugs still served: %v", got)
	}
}

func TestRegistry_ModifiedSchemaSuspendsToolkit(t *testing.T) {
	f := newFakeBroker(t)
	f.addSchema(schema("GMAIL_SEND_EMAIL", "gmail", "Send an email.", sendSchema))
	b := connectBroker(t, f)
	store := kv.NewMemory()
	pins := mcp.NewPins(store)
	bom := mcp.NewBOM(store)
	reg := NewRegistry(store, b, WithPins(pins), WithBOM(bom))
	ctx := context.Background()

	if _, err := reg.Discover(ctx, "send email"); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	key := ServerKey("gmail")
	if pins.IsSuspended(key) {
		t.Fatal("first sight must pin, not suspend")
	}

	f.addSchema(schema("GMAIL_SEND_EMAIL", "gmail", "Send an email.", `{"type":"object","properties":{"bcc":{"type":"string"}}}`))
	if _, err := reg.Discover(ctx, "send mail"); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	s, ok := pins.Suspension(key)
	if !ok {
		t.Fatal("modified schema did not suspend toolkit")
	}
	if diff := cmp.Diff([]string{"GMAIL_SEND_EMAIL"}, s.Modified); diff != "" {
		t.Errorf("modified (-want +got):\n%s", diff)
	}

	entries, err := bom.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].ServerKey != key || !entries[0].Suspended || entries[0].Origin != "composio" {
		t.Errorf("bom = %+v", entries)
	}
}

type recordingExecutor struct {
	batches [][]Execution
}

func (e *recordingExecutor) MultiExecute(_ context.Context, calls []Execution) (*mcp.ToolCallResult, error) {
	e.batches = append(e.batches, calls)
	return &mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "text", Text: `{"successful":true}`}}}, nil
}

func newMetaTool(t *testing.T, pins *mcp.Pins) (*MultiExecuteTool, *recordingExecutor) {
	t.Helper()
	reg := NewRegistry(kv.NewMemory(), nil)
	err := reg.Put(context.Background(), []ToolSchema{
		schema("GMAIL_FETCH_EMAILS", "gmail", "Fetch emails.", fetchSchema),
		schema("GMAIL_SEND_EMAIL", "gmail", "Send an email.", sendSchema),
		schema("GMAIL_DELETE_DRAFT", "gmail", "Delete a draft.", `{"type":"object"}`),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	exec := &recordingExecutor{}
	return NewMultiExecuteTool(reg, exec, pins), exec
}

func TestMultiExecute_CanonicalizesSlugs(t *testing.T) {
	tool, exec := newMetaTool(t, nil)
	args := json.RawMessage(`{"tools":[{"tool_slug":"gmail_fetch_email","arguments":{"query":"is:unread"}}]}`)
	res, err := tool.Execute(context.Background(), args)
	if err != nil || res.IsError {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
	if len(exec.batches) != 1 || exec.batches[0][0].ToolSlug != "GMAIL_FETCH_EMAILS" {
		t.Fatalf("batches = %+v", exec.batches)
	}
	if got := tool.MutatingFor(args); got != tools.MutatingFalse {
		t.Errorf("MutatingFor(fetch) = %v", got)
	}
	send := json.RawMessage(`{"tools":[{"tool_slug":"GMAIL_FETCH_EMAILS"},{"tool_slug":"GMAIL_SEND_EMAIL","arguments":{"to":"a@b.c","body":"hi"}}]}`)
	if got := tool.MutatingFor(send); got != tools.MutatingTrue {
		t.Errorf("MutatingFor(send) = %v", got)
	}
	if !tools.IsMutatingCall(tool, send) {
		t.Error("IsMutatingCall(send) = false")
	}
}

func TestMultiExecute_RejectsBeforeExecuting(t *testing.T) {
	tests := []struct {
		name string
		args string
		want string
	}{
		{
			name: "schema violation",
			args: `{"tools":[{"tool_slug":"GMAIL_SEND_EMAIL","arguments":{"subject":"hi"}}]}`,
			want: "GMAIL_SEND_EMAIL",
		},
		{
			name: "verb collision",
			args: `{"tools":[{"tool_slug":"GMAIL_GET_DRAFT"}]}`,
			want: "action verb",
		},
		{
			name: "one bad call fails the batch",
			args: `{"tools":[{"tool_slug":"GMAIL_FETCH_EMAILS"},{"tool_slug":"GMAIL_SEND_EMAIL","arguments":{}}]}`,
			want: "nothing was executed",
		},
		{
			name: "empty batch",
			args: `{"tools":[]}`,
			want: "at least one",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool, exec := newMetaTool(t, nil)
			res, err := tool.Execute(context.Background(), json.RawMessage(tt.args))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !res.IsError || !strings.Contains(res.Content, tt.want) {
				t.Errorf("result = %+v, want error containing %q", res, tt.want)
			}
			if len(exec.batches) != 0 {
				t.Errorf("executor called with %+v", exec.batches)
			}
		})
	}
}

func TestMultiExecute_SuspendedToolkit(t *testing.T) {
	pins := mcp.NewPins(kv.NewMemory())
	pins.Suspend(&mcp.Suspension{ServerKey: ServerKey("gmail"), Modified: []string{"GMAIL_SEND_EMAIL"}})
	tool, exec := newMetaTool(t, pins)
	args := json.RawMessage(`{"tools":[{"tool_slug":"GMAIL_FETCH_EMAILS"}]}`)

	if got := tools.ServerKeyForCall(tool, args); got != "composio:gmail" {
		t.Errorf("ServerKeyForCall = %q", got)
	}
	res, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "suspended") {
		t.Errorf("result = %+v", res)
	}
	if len(exec.batches) != 0 {
		t.Error("suspended toolkit was executed")
	}
}

func TestMultiExecute_EndToEnd(t *testing.T) {
	f := newFakeBroker(t)
	f.addSchema(schema("GMAIL_FETCH_EMAILS", "gmail", "Fetch emails.", fetchSchema))
	b := connectBroker(t, f)
	reg := NewRegistry(kv.NewMemory(), b)
	treg := tools.NewRegistry()
	if err := RegisterTools(treg, reg, b, nil); err != nil {
		t.Fatalf("RegisterTools: %v", err)
	}
	ctx := context.Background()

	// Unknown slugs trigger discovery before canonicalization.
	res, err := treg.Execute(ctx, MultiExecuteName, json.RawMessage(`{"tools":[{"tool_slug":"GMAIL_FETCH_EMAILS","arguments":{"query":"from:boss"}}]}`))
	if err != nil || res.IsError {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
	f.mu.Lock()
	executed := f.executed
	f.mu.Unlock()
	if len(executed) != 1 || executed[0][0].ToolSlug != "GMAIL_FETCH_EMAILS" {
		t.Fatalf("executed = %+v", executed)
	}
	if !json.Valid(executed[0][0].Arguments) || !strings.Contains(string(executed[0][0].Arguments), "from:boss") {
		t.Errorf("arguments = %s", executed[0][0].Arguments)
	}

	search, ok := treg.Get(SearchToolsName)
	if !ok || !tools.IsReadOnly(search) {
		t.Fatal("search tool missing or not read-only")
	}
	out, err := search.Execute(ctx, json.RawMessage(`{"query":"email"}`))
	if err != nil || !strings.Contains(out.Content, "GMAIL_FETCH_EMAILS(max_results?, query?)") {
		t.Errorf("search = %+v, %v", out, err)
	}
}

func TestInstaller(t *testing.T) {
	f := newFakeBroker(t)
	f.redirect = "https://connect.example.com/oauth/gmail"
	f.addSchema(schema("GMAIL_FETCH_EMAILS", "gmail", "Fetch emails.", fetchSchema))
	f.addSchema(schema("GMAIL_SEND_EMAIL", "gmail", "Send an email.", sendSchema))
	b := connectBroker(t, f)
	store := kv.NewMemory()
	reg := NewRegistry(store, b)
	in := NewInstaller(store, reg, b)
	ctx := context.Background()

	entry, err := in.Install(ctx, "Gmail")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if entry.Toolkit != "gmail" || entry.Tools != 2 || entry.Active || entry.RedirectURL != f.redirect {
		t.Errorf("installed = %+v", entry)
	}

	if _, err := in.Test(ctx, "gmail"); err == nil || !strings.Contains(err.Error(), "not linked") {
		t.Errorf("Test on unlinked toolkit = %v", err)
	}
	list, err := in.List(ctx)
	if err != nil || len(list) != 1 || list[0].LastTested.IsZero() || list[0].LastTestOK {
		t.Errorf("List = %+v, %v", list, err)
	}

	if err := in.Deregister(ctx, "gmail"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if _, ok := reg.Lookup("GMAIL_SEND_EMAIL"); ok {
		t.Error("schemas kept after deregister")
	}
	if err := in.Deregister(ctx, "gmail"); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("second Deregister = %v", err)
	}
}
