// Package testhelpers provides reusable testing utilities for configpilot.
//
// This package contains:
// - HTTP test helpers (creating test requests, asserting responses)
// - Fake collaborators (metadata client, text generator)
// - An in-memory SQLite database with the engine schema
// - Assertion helpers
package testhelpers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/configpilot/configpilot/internal/database"
	"github.com/configpilot/configpilot/internal/metadata"
)

// ========================================
// HTTP Test Helpers
// ========================================

// HTTPTestContext holds components for HTTP handler testing
type HTTPTestContext struct {
	T        *testing.T
	Recorder *httptest.ResponseRecorder
	Request  *http.Request
}

// NewHTTPTestContext creates a new HTTP test context
func NewHTTPTestContext(t *testing.T, method, path string, body io.Reader) *HTTPTestContext {
	t.Helper()
	return &HTTPTestContext{
		T:        t,
		Recorder: httptest.NewRecorder(),
		Request:  httptest.NewRequest(method, path, body),
	}
}

// WithHeader adds a header to the request
func (ctx *HTTPTestContext) WithHeader(key, value string) *HTTPTestContext {
	ctx.Request.Header.Set(key, value)
	return ctx
}

// WithJSONBody replaces the request body with the JSON encoding of v
func (ctx *HTTPTestContext) WithJSONBody(v interface{}) *HTTPTestContext {
	ctx.T.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		ctx.T.Fatalf("failed to marshal JSON body: %v", err)
	}
	headers := ctx.Request.Header.Clone()
	ctx.Request = httptest.NewRequest(ctx.Request.Method, ctx.Request.URL.String(), bytes.NewReader(body))
	ctx.Request.Header = headers
	ctx.Request.Header.Set("Content-Type", "application/json")
	return ctx
}

// WithBearerToken adds Authorization Bearer header
func (ctx *HTTPTestContext) WithBearerToken(token string) *HTTPTestContext {
	return ctx.WithHeader("Authorization", "Bearer "+token)
}

// Execute runs the handler and returns the context for chaining
func (ctx *HTTPTestContext) Execute(handler http.Handler) *HTTPTestContext {
	handler.ServeHTTP(ctx.Recorder, ctx.Request)
	return ctx
}

// AssertStatus checks the response status code
func (ctx *HTTPTestContext) AssertStatus(expected int) *HTTPTestContext {
	ctx.T.Helper()
	if ctx.Recorder.Code != expected {
		ctx.T.Errorf("expected status %d, got %d. Body: %s", expected, ctx.Recorder.Code, ctx.Recorder.Body.String())
	}
	return ctx
}

// AssertBodyContains checks if response body contains substring
func (ctx *HTTPTestContext) AssertBodyContains(substr string) *HTTPTestContext {
	ctx.T.Helper()
	if body := ctx.Recorder.Body.String(); !strings.Contains(body, substr) {
		ctx.T.Errorf("expected body to contain %q, got: %s", substr, body)
	}
	return ctx
}

// DecodeJSON decodes response body as JSON
func (ctx *HTTPTestContext) DecodeJSON(v interface{}) *HTTPTestContext {
	ctx.T.Helper()
	if err := json.NewDecoder(ctx.Recorder.Body).Decode(v); err != nil {
		ctx.T.Fatalf("failed to decode JSON response: %v", err)
	}
	return ctx
}

// ========================================
// Database
// ========================================

// NewTestDB opens an in-memory SQLite database with every engine table migrated.
// The pool is pinned to one connection: each new ":memory:" connection would
// otherwise see its own empty database.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(db, nil); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// NewTestStore wraps NewTestDB in a database.Store.
func NewTestStore(t *testing.T) *database.Store {
	t.Helper()
	return database.NewStore(NewTestDB(t))
}

// ========================================
// Fake Metadata Client
// ========================================

// FakeMetadata is a metadata.Client over an in-memory snapshot with fault injection.
type FakeMetadata struct {
	static *metadata.StaticClient
	orgID  string
	org    metadata.OrgSnapshot

	mu                 sync.Mutex
	GlobalErr          error
	DescribeErr        map[string]error
	ListErr            error
	DescribeGlobalHits int
	DescribeObjectHits int
	ListMetadataHits   int
}

// NewFakeMetadata creates a fake serving one org with the given objects.
func NewFakeMetadata(orgID string, objects ...metadata.ObjectDescribe) *FakeMetadata {
	org := metadata.OrgSnapshot{Objects: objects, Metadata: map[string][]metadata.Item{}}
	return &FakeMetadata{
		static:      metadata.NewStaticClient(metadata.Snapshot{Orgs: map[string]metadata.OrgSnapshot{orgID: org}}),
		orgID:       orgID,
		org:         org,
		DescribeErr: map[string]error{},
	}
}

// WithItems registers ListMetadata results of one metadata type.
func (f *FakeMetadata) WithItems(metadataType string, names ...string) *FakeMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]metadata.Item, 0, len(names))
	for _, n := range names {
		items = append(items, metadata.Item{FullName: n, Type: metadataType})
	}
	f.org.Metadata[metadataType] = items
	f.static.PutOrg(f.orgID, f.org)
	return f
}

// WithObject adds or replaces an object.
func (f *FakeMetadata) WithObject(obj metadata.ObjectDescribe) *FakeMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.org.Objects {
		if f.org.Objects[i].Name == obj.Name {
			f.org.Objects[i] = obj
			f.static.PutOrg(f.orgID, f.org)
			return f
		}
	}
	f.org.Objects = append(f.org.Objects, obj)
	f.static.PutOrg(f.orgID, f.org)
	return f
}

// FailDescribe makes DescribeObject fail for one object.
func (f *FakeMetadata) FailDescribe(object string, err error) *FakeMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DescribeErr[object] = err
	return f
}

func (f *FakeMetadata) DescribeGlobal(ctx context.Context, orgID string) (*metadata.GlobalDescribe, error) {
	f.mu.Lock()
	f.DescribeGlobalHits++
	err := f.GlobalErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.static.DescribeGlobal(ctx, orgID)
}

func (f *FakeMetadata) DescribeObject(ctx context.Context, orgID, name string) (*metadata.ObjectDescribe, error) {
	f.mu.Lock()
	f.DescribeObjectHits++
	err := f.DescribeErr[name]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.static.DescribeObject(ctx, orgID, name)
}

func (f *FakeMetadata) ListMetadata(ctx context.Context, orgID, metadataType string) ([]metadata.Item, error) {
	f.mu.Lock()
	f.ListMetadataHits++
	err := f.ListErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.static.ListMetadata(ctx, orgID, metadataType)
}

// GlobalCalls returns how many times DescribeGlobal ran.
func (f *FakeMetadata) GlobalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.DescribeGlobalHits
}

var _ metadata.Client = (*FakeMetadata)(nil)

// ========================================
// Fake Text Generator
// ========================================

// ErrGeneratorFailed is returned by FakeGenerator when configured to fail.
var ErrGeneratorFailed = errors.New("fake generator failure")

// FakeGenerator implements llm.Generator with canned responses and call capture.
type FakeGenerator struct {
	mu       sync.Mutex
	Response string
	Err      error
	Prompts  []string
	Contexts []map[string]interface{}

	// Block, when set, is received from before every call returns.
	Block chan struct{}
	// Started, when set, receives the call number as each call begins.
	Started chan int
}

// NewFakeGenerator returns a generator answering with an empty JSON array.
func NewFakeGenerator() *FakeGenerator {
	return &FakeGenerator{Response: "[]"}
}

// WithResponse sets the canned response
func (g *FakeGenerator) WithResponse(resp string) *FakeGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Response = resp
	return g
}

// WithError makes every call fail with err (nil restores success)
func (g *FakeGenerator) WithError(err error) *FakeGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Err = err
	return g
}

func (g *FakeGenerator) Generate(ctx context.Context, prompt string, promptContext map[string]interface{}) (string, error) {
	g.mu.Lock()
	g.Prompts = append(g.Prompts, prompt)
	g.Contexts = append(g.Contexts, promptContext)
	n := len(g.Prompts)
	started, block := g.Started, g.Block
	g.mu.Unlock()

	if started != nil {
		started <- n
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return "", g.Err
	}
	return g.Response, nil
}

// Calls returns how many times Generate ran.
func (g *FakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Prompts)
}

// LastContext returns the context map of the most recent call.
func (g *FakeGenerator) LastContext() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.Contexts) == 0 {
		return nil
	}
	return g.Contexts[len(g.Contexts)-1]
}

// ========================================
// Clock
// ========================================

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Tick advances by d and returns the new time.
func (c *Clock) Tick(d time.Duration) time.Time {
	c.Advance(d)
	return c.Now()
}

// ========================================
// Timing Helpers
// ========================================

// MustCompleteWithin fails the test if the function takes longer than the timeout
func MustCompleteWithin(t *testing.T, timeout time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
		t.Fatalf("function did not complete within %v", timeout)
	}
}

// Eventually polls cond until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
