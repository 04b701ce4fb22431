package scraper

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/pipeline"
	"github.com/Rahul-404/bbc-news-etl-pipeline/internal/util"
)

// sitemapIndexPath is the news sitemap index relative to the base URL.
const sitemapIndexPath = "/sitemaps/https-index-com-news.xml"

type sitemapIndex struct {
	Sitemaps []struct {
		Loc     string `xml:"loc"`
		LastMod string `xml:"lastmod"`
	} `xml:"sitemap"`
}

type urlSet struct {
	URLs []struct {
		Loc             string `xml:"loc"`
		LastMod         string `xml:"lastmod"`
		PublicationDate string `xml:"news>publication_date"`
	} `xml:"url"`
}

// ListCandidates returns the canonical URLs of articles published on the
// given calendar date, discovered through the news sitemaps. The result may
// include links already ingested; deduplication is the oracle's job, not the
// scraper's.
func (s *Scraper) ListCandidates(ctx context.Context, date time.Time) ([]string, error) {
	day := pipeline.Day(date)

	index, err := s.fetchSitemap(ctx, strings.TrimRight(s.config.BaseURL, "/")+sitemapIndexPath)
	if err != nil {
		return nil, err
	}

	var idx sitemapIndex
	if err := xml.Unmarshal(index, &idx); err != nil {
		return nil, pipeline.RetryableTask("parse sitemap index", err)
	}

	seen := make(map[string]struct{})
	var candidates []string

	for _, entry := range idx.Sitemaps {
		// Child sitemaps modified before the target date cannot mention it.
		if entry.LastMod != "" {
			if mod, err := parseSitemapTime(entry.LastMod); err == nil && pipeline.Day(mod).Before(day) {
				continue
			}
		}

		body, err := s.fetchSitemap(ctx, entry.Loc)
		if err != nil {
			return nil, err
		}

		var set urlSet
		if err := xml.Unmarshal(body, &set); err != nil {
			log.Warn().Err(err).Str("sitemap", entry.Loc).Msg("Skipping unparseable child sitemap")
			continue
		}

		for _, u := range set.URLs {
			stamp := u.PublicationDate
			if stamp == "" {
				stamp = u.LastMod
			}
			if stamp == "" {
				continue
			}
			published, err := parseSitemapTime(stamp)
			if err != nil || !pipeline.Day(published).Equal(day) {
				continue
			}

			canonical, err := util.CanonicaliseURL(u.Loc)
			if err != nil {
				continue
			}
			if _, dup := seen[canonical]; dup {
				continue
			}
			seen[canonical] = struct{}{}
			candidates = append(candidates, canonical)
		}
	}

	log.Debug().
		Str("date", day.Format(pipeline.DateFormat)).
		Int("candidates", len(candidates)).
		Msg("Sitemap discovery finished")
	return candidates, nil
}

// fetchSitemap downloads one sitemap document, honouring the shared rate
// limit. Any failure here is transient: sitemaps are infrastructure, not
// task content.
func (s *Scraper) fetchSitemap(ctx context.Context, sitemapURL string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, pipeline.TransientInfra("fetch sitemap", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, pipeline.TransientInfra("fetch sitemap", err)
	}
	req.Header.Set("User-Agent", s.config.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, pipeline.TransientInfra("fetch sitemap", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, pipeline.TransientInfra("fetch sitemap",
			fmt.Errorf("%s returned status %d", sitemapURL, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, pipeline.TransientInfra("fetch sitemap", err)
	}
	return body, nil
}

func parseSitemapTime(stamp string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, stamp); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", stamp)
}
