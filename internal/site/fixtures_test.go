package site

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/harvester/internal/browser/dom"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/harvest/harvesttest"
	"github.com/JakeFAU/harvester/internal/progress"
)

// site serves canned pages to a fake session. A page listed in growth is
// replaced by its next version every time a script runs on it.
type site struct {
	mu      sync.Mutex
	pages   map[string]string
	growth  map[string][]string
	current string
	evals   int
}

func newSite(pages map[string]string) *site {
	return &site{pages: pages, growth: map[string][]string{}}
}

func (s *site) session() *harvesttest.Session {
	return &harvesttest.Session{
		Name: "fake",
		OnNavigate: func(url string) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.current = url
			return nil
		},
		OnContent: func() (string, error) {
			return s.html(), nil
		},
		OnFindAll: func(selector string) ([]harvest.Element, error) {
			return dom.FindAll(s.html(), selector)
		},
		OnEvaluate: func(script string, out any) error {
			s.mu.Lock()
			s.evals++
			if next := s.growth[s.current]; len(next) > 0 {
				s.pages[s.current] = next[0]
				s.growth[s.current] = next[1:]
			}
			s.mu.Unlock()
			if f, ok := out.(*float64); ok {
				items, err := dom.FindAll(s.html(), selectorIn(script))
				if err != nil {
					return err
				}
				*f = float64(len(items))
			}
			return nil
		},
	}
}

func (s *site) html() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[s.current]
}

func (s *site) evaluations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evals
}

// selectorIn pulls the quoted selector out of the reveal script.
func selectorIn(script string) string {
	start := strings.Index(script, `querySelectorAll("`)
	if start < 0 {
		return "body"
	}
	rest := script[start+len(`querySelectorAll("`):]
	end := strings.Index(rest, `")`)
	return strings.ReplaceAll(rest[:end], `\"`, `"`)
}

type write struct {
	stream  harvest.Stream
	records []harvest.Record
}

type recordingWriter struct {
	mu     sync.Mutex
	writes []write
	err    error
}

func (w *recordingWriter) AppendBatch(_ context.Context, stream harvest.Stream, records []harvest.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, write{stream: stream, records: records})
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Emit(evt progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func noSleep(context.Context, time.Duration) error { return nil }

const productPage = `<html><body>
<h1 itemprop="name">Nomade <small><i class="fa fa-venus"></i> for women</small></h1>
<p itemprop="brand"><span itemprop="brand"><a href="/designers/Chloe.html"><span>Chloe</span></a></span></p>
<img itemprop="image" src="https://img.example.com/nomade.jpg">
<div class="notes top"><span>Mirabelle</span><span>Lemon</span></div>
<div class="notes middle"><span>Freesia</span></div>
<div class="notes base"><span>Oakmoss</span><span></span></div>
</body></html>`

func reviewPage(n int) string {
	var b strings.Builder
	b.WriteString(`<html><body><h1 itemprop="name">Nomade</h1><div id="all-reviews">`)
	authors := []string{"alice", "bob", "carol", "dave", "erin", "frank"}
	for i := 0; i < n; i++ {
		author := authors[i%len(authors)]
		b.WriteString(`<div class="fragrance-review-box" itemprop="review">`)
		b.WriteString(`<meta itemprop="name" content="` + author + `">`)
		b.WriteString(`<span itemprop="datePublished">2024-01-0` + string(rune('1'+i%9)) + `</span>`)
		b.WriteString(`<div itemprop="reviewBody"><p>Review by ` + author + `</p><p>second paragraph</p></div>`)
		b.WriteString(`</div>`)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func testRules() config.SelectorConfig {
	return config.SelectorConfig{
		Links:             []string{"a.perfumeHbox", "div.card > a"},
		Pagination:        "div.pagination a",
		Next:              `a[rel="next"]`,
		Name:              `h1[itemprop="name"]`,
		Brand:             `span[itemprop="brand"] a span`,
		Gender:            `h1[itemprop="name"] small`,
		Image:             `img[itemprop="image"]`,
		TopNotes:          "div.notes.top span",
		MiddleNotes:       "div.notes.middle span",
		BaseNotes:         "div.notes.base span",
		DetailAnchor:      "#all-reviews",
		DetailHolder:      "#all-reviews",
		DetailItem:        `div.fragrance-review-box[itemprop="review"]`,
		DetailAuthor:      `meta[itemprop="name"]`,
		DetailAuthorAttr:  "content",
		DetailDate:        `span[itemprop="datePublished"]`,
		DetailContent:     `div[itemprop="reviewBody"] p`,
		DetailMaxNoChange: 3,
	}
}
