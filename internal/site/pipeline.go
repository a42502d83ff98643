package site

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/dedup"
	"github.com/JakeFAU/harvester/internal/harvest"
	"github.com/JakeFAU/harvester/internal/progress"
)

// Primary and detail column names.
const (
	ColURL         = "url"
	ColProductName = "product_name"
	ColBrandName   = "brand_name"
	ColGender      = "target_gender"
	ColImageURL    = "image_url"
	ColTopNotes    = "top_notes"
	ColMiddleNotes = "middle_notes"
	ColBaseNotes   = "base_notes"

	ColReviewContent = "review_content"
	ColReviewDate    = "review_date"
	ColReviewerName  = "reviewer_name"
)

// Extraction defaults for fields the page does not carry.
const (
	DefaultGender = "N/A"
	DefaultAuthor = "Guest"
	DefaultDate   = "NA"
)

// hard stop for pages that keep growing forever
const maxRevealRounds = 1000

// PrimarySchema is the column order of the primary stream.
var PrimarySchema = harvest.Schema{
	ColURL, ColProductName, ColBrandName, ColGender, ColImageURL,
	ColTopNotes, ColMiddleNotes, ColBaseNotes,
}

// DetailSchema is the column order of the detail stream.
var DetailSchema = harvest.Schema{
	ColProductName, ColReviewContent, ColReviewDate, ColReviewerName,
}

// Writer appends records to a stream.
type Writer interface {
	AppendBatch(ctx context.Context, stream harvest.Stream, records []harvest.Record) error
}

// Pipeline extracts one target per task and persists it.
type Pipeline struct {
	rules   config.SelectorConfig
	brand   string
	checker Checker
	writer  Writer
	sleep   harvest.Sleeper
	emitter progress.Emitter
	logger  *zap.Logger
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithSleeper replaces the settle sleep.
func WithSleeper(sleep harvest.Sleeper) PipelineOption {
	return func(p *Pipeline) { p.sleep = sleep }
}

// WithEmitter publishes RECORDS_WRITTEN events.
func WithEmitter(e progress.Emitter) PipelineOption {
	return func(p *Pipeline) { p.emitter = e }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithDefaultBrand is written when no brand is found on the page.
func WithDefaultBrand(brand string) PipelineOption {
	return func(p *Pipeline) { p.brand = brand }
}

// NewPipeline builds a pipeline over the given rules.
func NewPipeline(rules config.SelectorConfig, checker Checker, writer Writer, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		rules:   rules,
		checker: checker,
		writer:  writer,
		sleep:   harvest.Sleep,
		emitter: progress.NopEmitter{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rules.DetailMaxNoChange <= 0 {
		p.rules.DetailMaxNoChange = 5
	}
	return p
}

// Process loads the target page, extracts the primary record and its detail
// records, then writes the details followed by the primary row. A primary
// row therefore only exists for a key whose details are already stored.
func (p *Pipeline) Process(ctx context.Context, s harvest.Session, task harvest.Task) (harvest.Result, error) {
	if err := p.load(ctx, s, task.Key); err != nil {
		return harvest.Result{}, err
	}
	record, err := p.extractPrimary(ctx, s, task.Key)
	if err != nil {
		return harvest.Result{}, err
	}
	name := record[ColProductName]
	details, err := p.collectDetails(ctx, s, task.Key, name)
	if err != nil {
		return harvest.Result{}, err
	}
	if err := p.write(ctx, task, harvest.StreamDetail, details); err != nil {
		return harvest.Result{}, err
	}
	if err := p.write(ctx, task, harvest.StreamPrimary, []harvest.Record{record}); err != nil {
		return harvest.Result{}, err
	}
	return harvest.Result{Name: name, Record: record, Details: details}, nil
}

// ProcessDetails collects only detail records for a target whose primary row
// already exists. task.Name carries the stored display name.
func (p *Pipeline) ProcessDetails(ctx context.Context, s harvest.Session, task harvest.Task) (harvest.Result, error) {
	name := task.Name
	if name == "" {
		name = harvest.Truncate(task.Key, 120)
	}
	details, err := p.collectDetails(ctx, s, task.Key, name)
	if err != nil {
		return harvest.Result{}, err
	}
	if err := p.write(ctx, task, harvest.StreamDetail, details); err != nil {
		return harvest.Result{}, err
	}
	return harvest.Result{Name: name, Details: details}, nil
}

func (p *Pipeline) load(ctx context.Context, s harvest.Session, target string) error {
	if err := s.Navigate(ctx, target); err != nil {
		return err
	}
	if p.checker == nil {
		return nil
	}
	return p.checker.CheckSession(ctx, s)
}

func (p *Pipeline) write(ctx context.Context, task harvest.Task, stream harvest.Stream, records []harvest.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := p.writer.AppendBatch(ctx, stream, records); err != nil {
		return fmt.Errorf("write %s rows: %w", stream, err)
	}
	p.emitter.Emit(progress.Event{
		Stage:  progress.StageRecordsWritten,
		Key:    task.Key,
		Index:  task.Index,
		Total:  task.Total,
		Stream: string(stream),
		Count:  int64(len(records)),
	})
	return nil
}

func (p *Pipeline) extractPrimary(ctx context.Context, s harvest.Session, key string) (harvest.Record, error) {
	heading, err := first(ctx, s, p.rules.Name)
	if err != nil {
		return nil, err
	}
	if heading == nil {
		// The page loaded without its title; treat as a bad render.
		return nil, fmt.Errorf("%s: %w: name not found", key, harvest.ErrTransientFetch)
	}

	brand, gender, genderText := "", DefaultGender, ""
	if el, err := first(ctx, s, p.rules.Brand); err != nil {
		return nil, err
	} else if el != nil {
		brand = el.Text()
	}
	if el, err := first(ctx, s, p.rules.Gender); err != nil {
		return nil, err
	} else if el != nil {
		gender = genderOf(el)
		genderText = el.Text()
	}
	name := headingName(heading.Text(), genderText, brand)
	if brand == "" {
		brand = p.brand
	}

	image := ""
	if el, err := first(ctx, s, p.rules.Image); err != nil {
		return nil, err
	} else if el != nil {
		image = el.Attr("src")
	}

	top, err := p.notes(ctx, s, p.rules.TopNotes)
	if err != nil {
		return nil, err
	}
	middle, err := p.notes(ctx, s, p.rules.MiddleNotes)
	if err != nil {
		return nil, err
	}
	base, err := p.notes(ctx, s, p.rules.BaseNotes)
	if err != nil {
		return nil, err
	}

	return harvest.Record{
		ColURL:         key,
		ColProductName: name,
		ColBrandName:   brand,
		ColGender:      gender,
		ColImageURL:    image,
		ColTopNotes:    top,
		ColMiddleNotes: middle,
		ColBaseNotes:   base,
	}, nil
}

func (p *Pipeline) notes(ctx context.Context, s harvest.Session, selector string) (string, error) {
	if selector == "" {
		return "", nil
	}
	found, err := s.FindAll(ctx, selector)
	if err != nil {
		return "", err
	}
	notes := make([]string, 0, len(found))
	for _, el := range found {
		if t := el.Text(); t != "" {
			notes = append(notes, t)
		}
	}
	return strings.Join(notes, ", "), nil
}

// collectDetails opens the detail section of key, reveals every item and
// returns the deduplicated detail records.
func (p *Pipeline) collectDetails(ctx context.Context, s harvest.Session, key, name string) ([]harvest.Record, error) {
	if p.rules.DetailItem == "" {
		return nil, nil
	}
	if p.rules.DetailAnchor != "" {
		if err := p.load(ctx, s, detailURL(key, p.rules.DetailAnchor)); err != nil {
			return nil, err
		}
	}
	if p.rules.DetailHolder != "" {
		holder, err := s.FindAll(ctx, p.rules.DetailHolder)
		if err != nil {
			return nil, err
		}
		if len(holder) == 0 {
			p.logger.Debug("no detail section", zap.String("key", key))
			return nil, nil
		}
	}

	items, err := p.revealDetails(ctx, s, key)
	if err != nil {
		return nil, err
	}

	seen := dedup.New()
	records := make([]harvest.Record, 0, len(items))
	for _, item := range items {
		author := DefaultAuthor
		if el := firstIn(item, p.rules.DetailAuthor); el != nil {
			if v := p.authorOf(el); v != "" {
				author = v
			}
		}
		date := DefaultDate
		if el := firstIn(item, p.rules.DetailDate); el != nil {
			if v := el.Text(); v != "" {
				date = v
			}
		}
		content := joinText(item.FindAll(p.rules.DetailContent), " ")
		if !seen.IsNew(dedup.NewIdentity(author, date, content)) {
			continue
		}
		if content == "" {
			continue
		}
		records = append(records, harvest.Record{
			ColProductName:   name,
			ColReviewContent: content,
			ColReviewDate:    date,
			ColReviewerName:  author,
		})
	}
	return records, nil
}

// revealDetails runs the detail reveal step until the item count stops
// growing for DetailMaxNoChange consecutive rounds. Without a configured
// DetailRevealScript the last item is scrolled into view.
func (p *Pipeline) revealDetails(ctx context.Context, s harvest.Session, key string) ([]harvest.Element, error) {
	items, err := s.FindAll(ctx, p.rules.DetailItem)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	previous, noChange := len(items), 0
	for round := 0; noChange < p.rules.DetailMaxNoChange && round < maxRevealRounds; round++ {
		count, err := p.revealRound(ctx, s)
		if errors.Is(err, harvest.ErrUnsupported) {
			return items, nil
		}
		if err != nil {
			return nil, err
		}
		if count > previous {
			previous = count
			noChange = 0
		} else {
			noChange++
		}
		if err := p.sleep(ctx, p.rules.DetailSettle); err != nil {
			return nil, err
		}
	}
	p.logger.Debug("detail items revealed", zap.String("key", key), zap.Int("count", previous))
	return s.FindAll(ctx, p.rules.DetailItem)
}

// revealRound triggers one reveal and returns the resulting item count.
func (p *Pipeline) revealRound(ctx context.Context, s harvest.Session) (int, error) {
	var count float64
	if p.rules.DetailRevealScript == "" {
		script := fmt.Sprintf(
			`(() => { const n = document.querySelectorAll(%q); if (n.length) { n[n.length-1].scrollIntoView({block: 'end'}); } return n.length; })()`,
			p.rules.DetailItem,
		)
		err := s.Evaluate(ctx, script, &count)
		return int(count), err
	}
	if err := s.Evaluate(ctx, p.rules.DetailRevealScript, nil); err != nil {
		return 0, err
	}
	err := s.Evaluate(ctx, fmt.Sprintf(`document.querySelectorAll(%q).length`, p.rules.DetailItem), &count)
	return int(count), err
}

func (p *Pipeline) authorOf(el harvest.Element) string {
	if p.rules.DetailAuthorAttr != "" {
		return strings.TrimSpace(el.Attr(p.rules.DetailAuthorAttr))
	}
	return el.Text()
}

func first(ctx context.Context, s harvest.Session, selector string) (harvest.Element, error) {
	if selector == "" {
		return nil, nil
	}
	found, err := s.FindAll(ctx, selector)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

func firstIn(el harvest.Element, selector string) harvest.Element {
	if selector == "" {
		return nil
	}
	if found := el.FindAll(selector); len(found) > 0 {
		return found[0]
	}
	return nil
}

func joinText(els []harvest.Element, sep string) string {
	parts := make([]string, 0, len(els))
	for _, el := range els {
		if t := el.Text(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, sep)
}

// genderOf maps icon classes to M, F or N, falling back to the visible text.
func genderOf(el harvest.Element) string {
	class := el.Attr("class")
	for _, icon := range el.FindAll("i") {
		class += " " + icon.Attr("class")
	}
	switch {
	case strings.Contains(class, "fa-venus-mars"):
		return "N"
	case strings.Contains(class, "fa-mars"):
		return "M"
	case strings.Contains(class, "fa-venus"):
		return "F"
	}
	if t := el.Text(); t != "" {
		return t
	}
	return DefaultGender
}

// headingName drops trailing labels (gender, then brand) that some sites
// nest inside the title heading.
func headingName(heading string, trailing ...string) string {
	name := strings.Join(strings.Fields(heading), " ")
	for _, part := range trailing {
		part = strings.Join(strings.Fields(part), " ")
		if part == "" || part == name {
			continue
		}
		name = strings.TrimSpace(strings.TrimSuffix(name, part))
	}
	return name
}

func detailURL(key, anchor string) string {
	if strings.HasPrefix(anchor, "#") {
		if i := strings.IndexByte(key, '#'); i >= 0 {
			key = key[:i]
		}
	}
	return key + anchor
}
