// Package site turns the selector rules from configuration into a listing
// source for discovery and an extraction pipeline for the scheduler.
package site

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/discovery"
	"github.com/JakeFAU/harvester/internal/harvest"
)

const (
	defaultRevealScript = `window.scrollTo(0, document.body.scrollHeight)`
	defaultSizeScript   = `document.body.scrollHeight`
)

// Checker inspects a loaded page for throttling.
type Checker interface {
	CheckSession(ctx context.Context, s harvest.Session) error
}

// ListingSource enumerates target keys from a listing page.
type ListingSource struct {
	session     harvest.Session
	checker     Checker
	rules       config.SelectorConfig
	startURL    string
	waitTimeout time.Duration
	logger      *zap.Logger

	current *url.URL
}

var _ discovery.Source = (*ListingSource)(nil)

// NewListingSource drives s over the listing at startURL.
func NewListingSource(
	s harvest.Session,
	checker Checker,
	rules config.SelectorConfig,
	startURL string,
	waitTimeout time.Duration,
	logger *zap.Logger,
) *ListingSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListingSource{
		session:     s,
		checker:     checker,
		rules:       rules,
		startURL:    startURL,
		waitTimeout: waitTimeout,
		logger:      logger,
	}
}

// Start loads the listing and waits for the first links to appear.
func (l *ListingSource) Start(ctx context.Context) error {
	if err := l.open(ctx, l.startURL); err != nil {
		return err
	}
	if l.waitTimeout <= 0 || len(l.rules.Links) == 0 {
		return nil
	}
	predicate := fmt.Sprintf("document.querySelector(%q) !== null", strings.Join(l.rules.Links, ", "))
	err := l.session.WaitUntil(ctx, predicate, l.waitTimeout)
	switch {
	case err == nil:
	case errors.Is(err, harvest.ErrTimedOut), errors.Is(err, harvest.ErrUnsupported):
		l.logger.Debug("listing links not observed before timeout", zap.Error(err))
	default:
		return err
	}
	return nil
}

// HasPagination reports whether the pagination selector matches anything.
func (l *ListingSource) HasPagination(ctx context.Context) (bool, error) {
	if l.rules.Pagination == "" {
		return false, nil
	}
	found, err := l.session.FindAll(ctx, l.rules.Pagination)
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

// Keys returns the links matched by the first link selector that matches
// anything, resolved against the current page.
func (l *ListingSource) Keys(ctx context.Context) ([]string, error) {
	for _, selector := range l.rules.Links {
		found, err := l.session.FindAll(ctx, selector)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			continue
		}
		keys := make([]string, 0, len(found))
		for _, el := range found {
			if key := l.resolve(el.Attr("href")); key != "" {
				keys = append(keys, key)
			}
		}
		return keys, nil
	}
	return nil, nil
}

// Reveal scrolls or clicks "load more". Engines without scripting are a no-op.
func (l *ListingSource) Reveal(ctx context.Context) error {
	script := l.rules.RevealScript
	if script == "" {
		script = defaultRevealScript
	}
	err := l.session.Evaluate(ctx, script, nil)
	if errors.Is(err, harvest.ErrUnsupported) {
		return nil
	}
	return err
}

// SizeProxy reports the document height, or whatever SizeScript measures.
func (l *ListingSource) SizeProxy(ctx context.Context) (int64, error) {
	script := l.rules.SizeScript
	if script == "" {
		script = defaultSizeScript
	}
	var size float64
	err := l.session.Evaluate(ctx, script, &size)
	if errors.Is(err, harvest.ErrUnsupported) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int64(math.Round(size)), nil
}

// NextPage returns the absolute target of the "next" control.
func (l *ListingSource) NextPage(ctx context.Context) (string, error) {
	if l.rules.Next == "" {
		return "", nil
	}
	found, err := l.session.FindAll(ctx, l.rules.Next)
	if err != nil {
		return "", err
	}
	for _, el := range found {
		if next := l.resolve(el.Attr("href")); next != "" {
			return next, nil
		}
	}
	return "", nil
}

// OpenPage navigates to a page returned by NextPage.
func (l *ListingSource) OpenPage(ctx context.Context, locator string) error {
	return l.open(ctx, locator)
}

func (l *ListingSource) open(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse listing url %q: %w", raw, err)
	}
	if err := l.session.Navigate(ctx, raw); err != nil {
		return err
	}
	if l.checker != nil {
		if err := l.checker.CheckSession(ctx, l.session); err != nil {
			return err
		}
	}
	l.current = u
	return nil
}

// resolve makes href absolute, drops the fragment and applies KeyPrefix.
func (l *ListingSource) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if l.current != nil {
		ref = l.current.ResolveReference(ref)
	}
	ref.Fragment = ""
	key := ref.String()
	if l.rules.KeyPrefix != "" && !strings.HasPrefix(key, l.rules.KeyPrefix) {
		return ""
	}
	return key
}
