package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/pipeline"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/util"
)

// Config controls the BBC collaborator.
type Config struct {
	BaseURL        string
	UserAgent      string
	RequestsPerSec float64
	Timeout        time.Duration
}

// DefaultConfig returns conservative production settings.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "https://www.bbc.com",
		UserAgent:      "bbc-news-etl-pipeline/1.0",
		RequestsPerSec: 2,
		Timeout:        30 * time.Second,
	}
}

// Scraper discovers candidate article links per calendar date and fetches
// article content. All outbound requests share one rate limiter so the
// processor pool cannot collectively hammer the origin.
type Scraper struct {
	config  *Config
	client  *http.Client
	limiter *rate.Limiter
}

// New creates a Scraper. A nil config uses defaults.
func New(config *Config) *Scraper {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RequestsPerSec <= 0 {
		config.RequestsPerSec = DefaultConfig().RequestsPerSec
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Scraper{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSec), 1),
	}
}

// FetchArticle retrieves and parses a single article page. Failures are
// classified for the retry state machine: missing or gone pages and
// unparseable content are fatal, transport trouble and server errors are
// retryable. date is the fallback publication date when the page carries no
// timestamp.
func (s *Scraper) FetchArticle(ctx context.Context, sourceURL string, date time.Time) (*pipeline.Article, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, pipeline.RetryableTask("fetch article", err)
	}

	c := colly.NewCollector(
		colly.UserAgent(s.config.UserAgent),
		colly.MaxDepth(1),
		colly.AllowURLRevisit(),
	)
	c.SetClient(s.client)

	var (
		mu       sync.Mutex
		article  *pipeline.Article
		parseErr error
		httpErr  error
	)

	c.OnHTML("html", func(e *colly.HTMLElement) {
		mu.Lock()
		defer mu.Unlock()
		article, parseErr = parseArticle(e.DOM, sourceURL, date)
	})

	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		httpErr = classifyHTTPError(r.StatusCode, err)
	})

	if err := c.Visit(sourceURL); err != nil && httpErr == nil {
		return nil, pipeline.RetryableTask("fetch article", err)
	}
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	switch {
	case httpErr != nil:
		return nil, httpErr
	case parseErr != nil:
		return nil, parseErr
	case article == nil:
		return nil, pipeline.RetryableTask("fetch article", fmt.Errorf("no response for %s", sourceURL))
	}
	return article, nil
}

func classifyHTTPError(status int, err error) error {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return pipeline.FatalTask("fetch article", fmt.Errorf("page gone (status %d)", status))
	case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		return pipeline.FatalTask("fetch article", fmt.Errorf("rejected with status %d", status))
	case err != nil:
		return pipeline.RetryableTask("fetch article", fmt.Errorf("status %d: %w", status, err))
	default:
		return pipeline.RetryableTask("fetch article", fmt.Errorf("status %d", status))
	}
}

// parseArticle extracts the structured record from a BBC article page.
func parseArticle(doc *goquery.Selection, sourceURL string, date time.Time) (*pipeline.Article, error) {
	title := strings.TrimSpace(doc.Find("h1").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	}
	if title == "" {
		return nil, pipeline.FatalTask("parse article", fmt.Errorf("no headline in %s", sourceURL))
	}

	summary := strings.TrimSpace(doc.Find(`meta[name="description"]`).AttrOr("content", ""))

	var paragraphs []string
	doc.Find("article p, main p").Each(func(_ int, p *goquery.Selection) {
		if text := strings.TrimSpace(p.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	if len(paragraphs) == 0 {
		return nil, pipeline.FatalTask("parse article", fmt.Errorf("no body text in %s", sourceURL))
	}

	published := date
	if stamp, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		if parsed, err := time.Parse(time.RFC3339, stamp); err == nil {
			published = parsed
		}
	}

	fingerprint, err := util.FingerprintURL(sourceURL)
	if err != nil {
		return nil, pipeline.FatalTask("parse article", err)
	}

	category, subCategory := categoriseURL(sourceURL)

	return &pipeline.Article{
		ID:            fingerprint,
		SourceURL:     sourceURL,
		Title:         title,
		Category:      category,
		SubCategory:   subCategory,
		Summary:       summary,
		Content:       strings.Join(paragraphs, "\n\n"),
		PublishedDate: pipeline.Day(published),
		ScrapedAt:     time.Now().UTC(),
	}, nil
}

// categoriseURL derives section labels from the URL path, e.g.
// /news/uk-politics-12345 -> ("news", "uk-politics").
func categoriseURL(sourceURL string) (category, subCategory string) {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return "", ""
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) > 0 && parts[0] != "" {
		category = parts[0]
	}
	if len(parts) > 1 && parts[1] != "articles" {
		subCategory = trimTrailingID(parts[1])
	}
	return category, subCategory
}

func trimTrailingID(segment string) string {
	if i := strings.LastIndex(segment, "-"); i > 0 && isDigits(segment[i+1:]) {
		return segment[:i]
	}
	return segment
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
