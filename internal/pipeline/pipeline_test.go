package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/MarkusTheOrt/fia-docs-api/internal/fetch"
	"github.com/MarkusTheOrt/fia-docs-api/internal/store"
	"github.com/MarkusTheOrt/fia-docs-api/pkg/models"
)

// listingPage builds a minimal FIA-style listing page for the given entries.
func listingPage(entries ...[2]string) []byte {
	page := `<html><body><ul class="document-row-wrapper">`
	for _, e := range entries {
		page += `<li class="document-row"><a href="` + e[1] + `">` +
			`<div class="title">` + e[0] + `</div>` +
			`<div class="published"><span class="date-display-single">03.01.25 17:45</span></div>` +
			`</a></li>`
	}
	return []byte(page + `</ul></body></html>`)
}

type fakeListings struct {
	pages map[string][]byte
	err   error
}

func (f *fakeListings) Fetch(_ context.Context, pageURL string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[pageURL]
	if !ok {
		return nil, fmt.Errorf("no such page %s", pageURL)
	}
	return page, nil
}

type fakeFetcher struct {
	mu       sync.Mutex
	payloads map[string][]byte
	fail     map[string]error
	calls    map[string]int
}

func (f *fakeFetcher) Fetch(_ context.Context, sourceURL string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[sourceURL]++
	if err, ok := f.fail[sourceURL]; ok {
		return nil, err
	}
	payload, ok := f.payloads[sourceURL]
	if !ok {
		return nil, &fetch.Error{Kind: fetch.KindHTTPStatus, URL: sourceURL, Status: http.StatusNotFound}
	}
	return payload, nil
}

// fakeStore enforces the same uniqueness semantics as Postgres.
type fakeStore struct {
	mu        sync.Mutex
	byURL     map[string]models.DocumentRecord
	filterErr error
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{byURL: make(map[string]models.DocumentRecord)}
}

func (s *fakeStore) FilterNew(_ context.Context, refs []models.DocumentReference) ([]models.DocumentReference, error) {
	if s.filterErr != nil {
		return nil, s.filterErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh []models.DocumentReference
	for _, ref := range refs {
		if _, ok := s.byURL[ref.SourceURL]; !ok {
			fresh = append(fresh, ref)
		}
	}
	return fresh, nil
}

func (s *fakeStore) ExistsByHash(_ context.Context, contentHash string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.byURL {
		if rec.ContentHash == contentHash {
			return rec.ID, true, nil
		}
	}
	return "", false, nil
}

func (s *fakeStore) Insert(_ context.Context, rec models.DocumentRecord) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byURL[rec.SourceURL]; ok {
		return fmt.Errorf("inserting %s: %w", rec.SourceURL, store.ErrDuplicateKey)
	}
	s.byURL[rec.SourceURL] = rec
	return nil
}

func (s *fakeStore) records() []models.DocumentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []models.DocumentRecord
	for _, rec := range s.byURL {
		recs = append(recs, rec)
	}
	return recs
}

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: make(map[string][]byte)}
}

func (u *fakeUploader) UploadDocument(_ context.Context, contentHash string, data []byte) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	key := models.DocumentKey(contentHash)
	u.mu.Lock()
	u.objects[key] = data
	u.mu.Unlock()
	return key, nil
}

func (u *fakeUploader) UploadPage(_ context.Context, contentHash string, pageIndex int, data []byte) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	key := models.PageKey(contentHash, pageIndex)
	u.mu.Lock()
	u.objects[key] = data
	u.mu.Unlock()
	return key, nil
}

type fakeRenderer struct {
	pages [][]byte
	err   error
}

func (r *fakeRenderer) Render(context.Context, []byte) ([][]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.pages, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	events    []models.IngestionEvent
	failFirst int
	attempts  int
}

func (n *fakeNotifier) Publish(_ context.Context, event models.IngestionEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts++
	if n.attempts <= n.failFirst {
		return errors.New("broker unavailable")
	}
	n.events = append(n.events, event)
	return nil
}

const testListingURL = "https://www.fia.com/documents/f1-listing"

func newTestPipeline(listings ListingFetcher, fetcher DocumentFetcher, st Store, up Uploader, rend Renderer, not Notifier) *Pipeline {
	return New(Config{
		Sources:       []Source{{Series: models.SeriesF1, URL: testListingURL}},
		Concurrency:   4,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}, Deps{
		Listings: listings,
		Fetcher:  fetcher,
		Store:    st,
		Uploader: up,
		Renderer: rend,
		Notifier: not,
	})
}

func TestRunCycle_IngestsNewDocuments(t *testing.T) {
	listings := &fakeListings{pages: map[string][]byte{
		testListingURL: listingPage(
			[2]string{"Doc 1 - Decision", "https://fia.com/docs/1.pdf"},
			[2]string{"Doc 2 - Bulletin", "https://fia.com/docs/2.pdf"},
		),
	}}
	fetcher := &fakeFetcher{payloads: map[string][]byte{
		"https://fia.com/docs/1.pdf": []byte("pdf bytes one"),
		"https://fia.com/docs/2.pdf": []byte("pdf bytes two"),
	}}
	st := newFakeStore()
	up := newFakeUploader()
	notifier := &fakeNotifier{}
	p := newTestPipeline(listings, fetcher, st, up, &fakeRenderer{pages: [][]byte{[]byte("jpg0"), []byte("jpg1")}}, notifier)

	result, err := p.RunCycle(t.Context())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if result.Discovered != 2 || result.New != 2 || result.Ingested != 2 {
		t.Errorf("result = %+v, want 2 discovered/new/ingested", result)
	}
	if len(st.records()) != 2 {
		t.Fatalf("got %d records, want 2", len(st.records()))
	}
	if len(notifier.events) != 2 {
		t.Errorf("got %d events, want 2", len(notifier.events))
	}

	for _, rec := range st.records() {
		if rec.ContentHash == "" || rec.StorageKey != rec.ContentHash {
			t.Errorf("record %s: storage key %q not content-addressed (hash %q)", rec.ID, rec.StorageKey, rec.ContentHash)
		}
		if rec.PageCount != 2 {
			t.Errorf("record %s: page count = %d, want 2", rec.ID, rec.PageCount)
		}
		// Original and both page objects must exist under derived keys.
		for _, key := range []string{models.DocumentKey(rec.ContentHash), models.PageKey(rec.ContentHash, 0), models.PageKey(rec.ContentHash, 1)} {
			if _, ok := up.objects[key]; !ok {
				t.Errorf("missing object %q", key)
			}
		}
		// Round-trip: stored bytes hash back to the record's content hash.
		if models.ContentHash(up.objects[rec.StorageKey]) != rec.ContentHash {
			t.Errorf("record %s: stored payload does not hash to content hash", rec.ID)
		}
	}
}

func TestRunCycle_DuplicateContentUnderNewURL(t *testing.T) {
	// A (url1, bytes X), B (url2, bytes X), C (url3, bytes Y):
	// expect exactly 2 records and 2 events, B skipped as duplicate.
	listings := &fakeListings{pages: map[string][]byte{
		testListingURL: listingPage(
			[2]string{"Doc A", "https://fia.com/docs/a.pdf"},
			[2]string{"Doc B", "https://fia.com/docs/b.pdf"},
			[2]string{"Doc C", "https://fia.com/docs/c.pdf"},
		),
	}}
	fetcher := &fakeFetcher{payloads: map[string][]byte{
		"https://fia.com/docs/a.pdf": []byte("bytes X"),
		"https://fia.com/docs/b.pdf": []byte("bytes X"),
		"https://fia.com/docs/c.pdf": []byte("bytes Y"),
	}}
	st := newFakeStore()
	up := newFakeUploader()
	notifier := &fakeNotifier{}
	// Concurrency 1 keeps the scenario deterministic: A lands before B runs.
	p := New(Config{
		Sources:       []Source{{Series: models.SeriesF1, URL: testListingURL}},
		Concurrency:   1,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	}, Deps{Listings: listings, Fetcher: fetcher, Store: st, Uploader: up, Notifier: notifier})

	result, err := p.RunCycle(t.Context())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if result.Ingested != 2 {
		t.Errorf("Ingested = %d, want 2", result.Ingested)
	}
	if result.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", result.Duplicates)
	}
	if len(st.records()) != 2 {
		t.Errorf("got %d records, want exactly 2", len(st.records()))
	}
	if len(notifier.events) != 2 {
		t.Errorf("got %d events, want exactly 2", len(notifier.events))
	}
	// The duplicate cost no upload: only X and Y originals exist.
	if len(up.objects) != 2 {
		t.Errorf("got %d stored objects, want 2", len(up.objects))
	}
}

func TestRunCycle_SecondRunIsIdempotent(t *testing.T) {
	listings := &fakeListings{pages: map[string][]byte{
		testListingURL: listingPage([2]string{"Doc 1", "https://fia.com/docs/1.pdf"}),
	}}
	fetcher := &fakeFetcher{payloads: map[string][]byte{
		"https://fia.com/docs/1.pdf": []byte("payload"),
	}}
	st := newFakeStore()
	notifier := &fakeNotifier{}
	p := newTestPipeline(listings, fetcher, st, newFakeUploader(), nil, notifier)

	if _, err := p.RunCycle(t.Context()); err != nil {
		t.Fatalf("first RunCycle() error = %v", err)
	}
	second, err := p.RunCycle(t.Context())
	if err != nil {
		t.Fatalf("second RunCycle() error = %v", err)
	}

	if second.New != 0 || second.Ingested != 0 {
		t.Errorf("second cycle = %+v, want nothing new", second)
	}
	if len(st.records()) != 1 {
		t.Errorf("got %d records after two cycles, want 1", len(st.records()))
	}
	if len(notifier.events) != 1 {
		t.Errorf("got %d events after two cycles, want 1", len(notifier.events))
	}
}

func TestRunCycle_RenderFailureStillPersists(t *testing.T) {
	listings := &fakeListings{pages: map[string][]byte{
		testListingURL: listingPage([2]string{"Doc 1", "https://fia.com/docs/1.pdf"}),
	}}
	fetcher := &fakeFetcher{payloads: map[string][]byte{
		"https://fia.com/docs/1.pdf": []byte("payload"),
	}}
	st := newFakeStore()
	up := newFakeUploader()
	p := newTestPipeline(listings, fetcher, st, up, &fakeRenderer{err: errors.New("conversion failed")}, &fakeNotifier{})

	result, err := p.RunCycle(t.Context())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if result.Ingested != 1 || result.Failed != 0 {
		t.Fatalf("result = %+v, want 1 ingested, 0 failed", result)
	}

	recs := st.records()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].PageCount != 0 {
		t.Errorf("PageCount = %d, want 0 after render failure", recs[0].PageCount)
	}
	// The original upload must still be present.
	if _, ok := up.objects[recs[0].StorageKey]; !ok {
		t.Error("original document missing from storage")
	}
}

func TestRunCycle_InsertRaceIsDuplicateNotFailure(t *testing.T) {
	listings := &fakeListings{pages: map[string][]byte{
		testListingURL: listingPage([2]string{"Doc 1", "https://fia.com/docs/1.pdf"}),
	}}
	fetcher := &fakeFetcher{payloads: map[string][]byte{
		"https://fia.com/docs/1.pdf": []byte("payload"),
	}}
	st := newFakeStore()
	st.insertErr = fmt.Errorf("inserting: %w", store.ErrDuplicateKey)
	notifier := &fakeNotifier{}
	p := newTestPipeline(listings, fetcher, st, newFakeUploader(), nil, notifier)

	result, err := p.RunCycle(t.Context())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if result.Duplicates != 1 || result.Failed != 0 {
		t.Errorf("result = %+v, want duplicate, not failure", result)
	}
	// Losing the race must not emit an event.
	if len(notifier.events) != 0 {
		t.Errorf("got %d events, want 0", len(notifier.events))
	}
}

func TestRunCycle_DocumentFailureConfined(t *testing.T) {
	listings := &fakeListings{pages: map[string][]byte{
		testListingURL: listingPage(
			[2]string{"Broken", "https://fia.com/docs/broken.pdf"},
			[2]string{"Fine", "https://fia.com/docs/fine.pdf"},
		),
	}}
	fetcher := &fakeFetcher{
		payloads: map[string][]byte{"https://fia.com/docs/fine.pdf": []byte("payload")},
		fail: map[string]error{
			"https://fia.com/docs/broken.pdf": &fetch.Error{Kind: fetch.KindHTTPStatus, Status: 404},
		},
	}
	st := newFakeStore()
	p := newTestPipeline(listings, fetcher, st, newFakeUploader(), nil, &fakeNotifier{})

	result, err := p.RunCycle(t.Context())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if result.Ingested != 1 {
		t.Errorf("Ingested = %d, want 1 (sibling unaffected by failure)", result.Ingested)
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}
	var failed *Outcome
	for i := range result.Outcomes {
		if result.Outcomes[i].State == StateFailed {
			failed = &result.Outcomes[i]
		}
	}
	if failed == nil || failed.Stage != StageDownload {
		t.Errorf("failed outcome = %+v, want stage download", failed)
	}
	// 404 is permanent: exactly one fetch attempt.
	if fetcher.calls["https://fia.com/docs/broken.pdf"] != 1 {
		t.Errorf("fetch attempts = %d, want 1 for permanent failure", fetcher.calls["https://fia.com/docs/broken.pdf"])
	}
}

func TestRunCycle_NotifyRetriedWithoutDuplicateEvents(t *testing.T) {
	listings := &fakeListings{pages: map[string][]byte{
		testListingURL: listingPage([2]string{"Doc 1", "https://fia.com/docs/1.pdf"}),
	}}
	fetcher := &fakeFetcher{payloads: map[string][]byte{
		"https://fia.com/docs/1.pdf": []byte("payload"),
	}}
	st := newFakeStore()
	notifier := &fakeNotifier{failFirst: 3}
	p := New(Config{
		Sources:       []Source{{Series: models.SeriesF1, URL: testListingURL}},
		Concurrency:   1,
		RetryAttempts: 5,
		RetryDelay:    time.Millisecond,
	}, Deps{Listings: listings, Fetcher: fetcher, Store: st, Uploader: newFakeUploader(), Notifier: notifier})

	result, err := p.RunCycle(t.Context())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if result.Ingested != 1 || result.NotifyFailures != 0 {
		t.Errorf("result = %+v, want 1 ingested with notification delivered", result)
	}
	if len(notifier.events) != 1 {
		t.Errorf("got %d delivered events, want exactly 1", len(notifier.events))
	}
	if notifier.attempts != 4 {
		t.Errorf("publish attempts = %d, want 4 (3 failures + 1 success)", notifier.attempts)
	}
}

func TestRunCycle_NotifyExhaustionDoesNotRollBack(t *testing.T) {
	listings := &fakeListings{pages: map[string][]byte{
		testListingURL: listingPage([2]string{"Doc 1", "https://fia.com/docs/1.pdf"}),
	}}
	fetcher := &fakeFetcher{payloads: map[string][]byte{
		"https://fia.com/docs/1.pdf": []byte("payload"),
	}}
	st := newFakeStore()
	notifier := &fakeNotifier{failFirst: 100}
	p := newTestPipeline(listings, fetcher, st, newFakeUploader(), nil, notifier)

	result, err := p.RunCycle(t.Context())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if result.Ingested != 1 {
		t.Errorf("Ingested = %d, want 1 (record survives notify failure)", result.Ingested)
	}
	if result.NotifyFailures != 1 {
		t.Errorf("NotifyFailures = %d, want 1", result.NotifyFailures)
	}
	if len(st.records()) != 1 {
		t.Error("record rolled back on notification failure")
	}
}

func TestRunCycle_StoreErrorAbortsCycle(t *testing.T) {
	listings := &fakeListings{pages: map[string][]byte{
		testListingURL: listingPage([2]string{"Doc 1", "https://fia.com/docs/1.pdf"}),
	}}
	st := newFakeStore()
	st.filterErr = errors.New("connection refused")
	p := newTestPipeline(listings, &fakeFetcher{}, st, newFakeUploader(), nil, &fakeNotifier{})

	if _, err := p.RunCycle(t.Context()); err == nil {
		t.Fatal("expected cycle abort when the metadata store is unreachable")
	}
}

func TestRunCycle_ListingFailureConfinedToSource(t *testing.T) {
	listings := &fakeListings{err: errors.New("listing down")}
	p := newTestPipeline(listings, &fakeFetcher{}, newFakeStore(), newFakeUploader(), nil, &fakeNotifier{})

	result, err := p.RunCycle(t.Context())
	if err != nil {
		t.Fatalf("RunCycle() error = %v (listing failure should not abort the cycle)", err)
	}
	if result.Discovered != 0 {
		t.Errorf("Discovered = %d, want 0", result.Discovered)
	}
}
