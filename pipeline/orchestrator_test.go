package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/extractmd/vlm"
)

// chatFunc adapts a function to Chatter for behavior-based fakes.
type chatFunc func(ctx context.Context, req vlm.ChatRequest) (string, error)

func (f chatFunc) Chat(ctx context.Context, req vlm.ChatRequest) (string, error) {
	return f(ctx, req)
}

// fakeStore is an in-memory ProgressStore that records its traffic.
type fakeStore struct {
	mu      sync.Mutex
	preload map[int]string
	saved   map[int]string
	saves   int
	removed []int
}

func (s *fakeStore) Load(ctx context.Context) (map[int]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]string, len(s.preload))
	for k, v := range s.preload {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) Save(ctx context.Context, results map[int]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[int]string)
	}
	for k, v := range results {
		s.saved[k] = v
	}
	s.saves++
	return nil
}

func (s *fakeStore) Remove(ctx context.Context, pages []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, pages...)
	return nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func allAuto(n int) []Method {
	m := make([]Method, n)
	for i := range m {
		m[i] = MethodAuto
	}
	return m
}

func TestRun_TotalResultMap(t *testing.T) {
	// WHAT: A 3-page run resolves every page through its own tier:
	// trusted text, local OCR, and VLM.
	// WHY: The final map must be total over the document.
	doc := &fakeDoc{texts: []string{longText, "x", ""}}
	chat := chatFunc(func(ctx context.Context, req vlm.ChatRequest) (string, error) {
		return "Vision model transcription, long enough to pass the gate.", nil
	})
	eng := &fakeOCR{text: "local ocr output that is long enough"}
	store := &fakeStore{}
	o := &Orchestrator{
		Doc:          doc,
		Worker:       newWorker(chat, []string{"m"}, eng, &fakeRenderer{}),
		Store:        store,
		Methods:      []Method{MethodAuto, MethodAuto, MethodAI},
		MaxWorkers:   2,
		SaveInterval: 10,
	}

	results, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %v, want 3 entries", results)
	}
	if results[0] != longText {
		t.Errorf("page 0 = %q, want embedded text", results[0])
	}
	if results[1] != eng.text {
		t.Errorf("page 1 = %q, want OCR output", results[1])
	}
	if !strings.Contains(results[2], "Vision model") {
		t.Errorf("page 2 = %q, want VLM output", results[2])
	}
	if store.saveCount() == 0 {
		t.Error("final snapshot not persisted")
	}
}

func TestRun_ResumeSkipsWork(t *testing.T) {
	// WHAT: A complete progress file means zero renders and zero calls.
	// WHY: Resume exists to protect already-spent OCR and API budget.
	doc := &fakeDoc{texts: []string{"", ""}}
	r := &fakeRenderer{}
	chat := chatFunc(func(ctx context.Context, req vlm.ChatRequest) (string, error) {
		t.Error("unexpected API call on full resume")
		return "", nil
	})
	store := &fakeStore{preload: map[int]string{0: "saved zero", 1: "saved one"}}
	o := &Orchestrator{
		Doc:          doc,
		Worker:       newWorker(chat, []string{"m"}, &fakeOCR{}, r),
		Store:        store,
		Methods:      allAuto(2),
		MaxWorkers:   2,
		SaveInterval: 10,
	}

	results, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if results[0] != "saved zero" || results[1] != "saved one" {
		t.Errorf("results = %v", results)
	}
	if r.count() != 0 {
		t.Errorf("renders = %d, want 0", r.count())
	}
}

func TestRun_RetryRoundsExhaustToEmpty(t *testing.T) {
	// WHAT: A page the cleaner keeps rejecting gets three forced-VLM
	// retry rounds after the initial pass, then is recorded as "".
	// WHY: Bounded rounds keep a poisoned page from looping forever while
	// the empty record keeps the result map total.
	doc := &fakeDoc{texts: []string{"embedded page text, long enough not to matter here"}}
	r := &fakeRenderer{}
	chat := chatFunc(func(ctx context.Context, req vlm.ChatRequest) (string, error) {
		prompt := req.Messages[0].Content[0].Text
		switch {
		case req.MaxTokens == 1:
			return "Y", nil
		case strings.Contains(prompt, "Page to clean"):
			return "TEXT_ERROR", nil
		default:
			return "Vision transcription for the retry round, quite readable.", nil
		}
	})
	store := &fakeStore{}
	o := &Orchestrator{
		Doc:    doc,
		Worker: newWorker(chat, []string{"m"}, &fakeOCR{}, r),
		Cleaner: &Cleaner{
			Client:     chat,
			CleanModel: "cleaner",
		},
		Store:        store,
		Methods:      []Method{MethodText},
		MaxWorkers:   1,
		SaveInterval: 10,
	}

	results, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if text, ok := results[0]; !ok || text != "" {
		t.Errorf("page 0 = (%q, %v), want recorded empty", text, ok)
	}
	// The initial pass used the text method; all three retry rounds
	// forced the VLM path.
	if r.count() != 3 {
		t.Errorf("renders = %d, want 3 forced-ai retry rounds", r.count())
	}
	if ex := o.ExhaustedPages(); len(ex) != 1 || ex[0] != 0 {
		t.Errorf("ExhaustedPages = %v, want [0]", ex)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.removed) != 4 {
		t.Errorf("store removes = %v, want one per rejected pass", store.removed)
	}
}

func TestRun_CleanerRewritesPages(t *testing.T) {
	// WHAT: Accepted rewrites replace the extracted text in the results.
	// WHY: Cleaning is in the hot path, not a post-processing afterthought.
	doc := &fakeDoc{texts: []string{longText}}
	chat := chatFunc(func(ctx context.Context, req vlm.ChatRequest) (string, error) {
		if req.MaxTokens == 1 {
			return "Y", nil
		}
		return "Rewritten page content.", nil
	})
	o := &Orchestrator{
		Doc:    doc,
		Worker: newWorker(chat, []string{"m"}, &fakeOCR{}, &fakeRenderer{}),
		Cleaner: &Cleaner{
			Client:     chat,
			CleanModel: "cleaner",
		},
		Methods:      []Method{MethodText},
		MaxWorkers:   1,
		SaveInterval: 10,
	}

	results, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if results[0] != "Rewritten page content." {
		t.Errorf("page 0 = %q", results[0])
	}
}

func TestRun_CancellationPersistsSnapshot(t *testing.T) {
	// WHAT: A canceled context stops submissions, returns the context
	// error and still writes a snapshot.
	// WHY: Interrupted runs must resume from what they paid for.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doc := &fakeDoc{texts: []string{"a", "b", "c"}}
	r := &fakeRenderer{}
	store := &fakeStore{}
	o := &Orchestrator{
		Doc:          doc,
		Worker:       newWorker(&scriptedChat{}, []string{"m"}, &fakeOCR{}, r),
		Store:        store,
		Methods:      allAuto(3),
		MaxWorkers:   2,
		SaveInterval: 10,
	}

	_, err := o.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if store.saveCount() == 0 {
		t.Error("snapshot not persisted on cancellation")
	}
	if r.count() != 0 {
		t.Errorf("renders = %d, want 0 after pre-run cancel", r.count())
	}
}

func TestRun_SaveIntervalSnapshots(t *testing.T) {
	// WHAT: SaveInterval=1 snapshots after every completed page.
	// WHY: A crash should lose at most save_interval pages of work.
	doc := &fakeDoc{texts: []string{longText, longText, longText}}
	store := &fakeStore{}
	o := &Orchestrator{
		Doc:          doc,
		Worker:       newWorker(&scriptedChat{}, []string{"m"}, &fakeOCR{}, &fakeRenderer{}),
		Store:        store,
		Methods:      []Method{MethodText, MethodText, MethodText},
		MaxWorkers:   1,
		SaveInterval: 1,
	}

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.saveCount() < 3 {
		t.Errorf("saves = %d, want one per page", store.saveCount())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.saved) != 3 {
		t.Errorf("saved pages = %v", store.saved)
	}
}

func TestRun_WorkerPoolBounded(t *testing.T) {
	// WHAT: Concurrent ProcessPage calls never exceed MaxWorkers.
	// WHY: The worker bound is the run's resource-pressure contract.
	var mu sync.Mutex
	inFlight, peak := 0, 0
	chat := chatFunc(func(ctx context.Context, req vlm.ChatRequest) (string, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return "A perfectly fine transcription of the rendered page image.", nil
	})
	doc := &fakeDoc{texts: []string{"", "", "", "", "", ""}}
	methods := make([]Method, 6)
	for i := range methods {
		methods[i] = MethodAI
	}
	o := &Orchestrator{
		Doc:          doc,
		Worker:       newWorker(chat, []string{"m"}, &fakeOCR{}, &fakeRenderer{}),
		Methods:      methods,
		MaxWorkers:   2,
		SaveInterval: 10,
	}

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrent calls = %d, want <= 2", peak)
	}
}
