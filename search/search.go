// Package search collects recent web results used to seed topic
// generation. Brave web search is the primary source; the Naver open
// API serves as a fallback for keyword lookups when no Brave key is
// configured.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	braveAPIURL     = "https://api.search.brave.com/res/v1/web/search"
	naverNewsAPIURL = "https://openapi.naver.com/v1/search/news.json"
)

// Korean trend and lifestyle sites whose results get sorted first.
var trendSites = []string{
	"theqoo.net",
	"instagram.com",
	"twitter.com",
	"hypebeast.kr",
	"musinsa.com",
	"dispatch.co.kr",
	"news.naver.com",
	"wikitree.co.kr",
}

// Result is a single web search hit.
type Result struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Description   string `json:"description"`
	PublishedDate string `json:"publishedDate,omitempty"`
	Source        string `json:"source,omitempty"`
}

// Client queries web search providers for trend material.
type Client struct {
	braveKey          string
	naverClientID     string
	naverClientSecret string
	httpClient        *http.Client
	logger            *slog.Logger
	now               func() time.Time
}

// NewClient creates a search client. Keys may be empty; searches with
// no configured provider return empty results rather than failing.
func NewClient(braveKey, naverClientID, naverClientSecret string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		braveKey:          braveKey,
		naverClientID:     naverClientID,
		naverClientSecret: naverClientSecret,
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		logger:            logger,
		now:               time.Now,
	}
}

// Available returns true if at least one search provider is configured.
func (c *Client) Available() bool {
	return c.braveKey != "" || (c.naverClientID != "" && c.naverClientSecret != "")
}

func currentMonth(t time.Time) string {
	return strconv.Itoa(int(t.Month())) + "월"
}

func currentSeason(t time.Time) string {
	switch m := t.Month(); {
	case m >= 3 && m <= 5:
		return "봄"
	case m >= 6 && m <= 8:
		return "여름"
	case m >= 9 && m <= 11:
		return "가을"
	default:
		return "겨울"
	}
}

// TrendSearch runs a battery of Korean trend queries and returns up to
// five deduplicated results, trend sites first. Individual query
// failures are logged and skipped.
func (c *Client) TrendSearch(ctx context.Context) ([]Result, error) {
	season := currentSeason(c.now())
	month := currentMonth(c.now())

	queries := []string{
		"요즘 핫한 트렌드 MZ세대",
		"최신 바이럴 화제",
		month + " 트렌드 이슈",
		"요즘 핫한 디저트 음료",
		"힙한 술집 바 트렌드",
		season + " 분위기 데이트",
		"요즘 핫한 취미 MZ",
	}

	var all []Result
	for _, query := range queries {
		results, err := c.search(ctx, query, 3)
		if err != nil {
			c.logger.Warn("trend query failed", "query", query, "error", err)
			continue
		}
		all = append(all, results...)
	}

	unique := dedupeByURL(all)
	sort.SliceStable(unique, func(i, j int) bool {
		return isTrendSite(unique[i].URL) && !isTrendSite(unique[j].URL)
	})
	if len(unique) > 5 {
		unique = unique[:5]
	}
	return unique, nil
}

// SearchByKeyword looks up trend material around a single keyword,
// pairing it with drink and culture angles.
func (c *Client) SearchByKeyword(ctx context.Context, keyword string) ([]Result, error) {
	queries := []string{
		keyword + " 트렌드 화제",
		keyword + " 인기 핫한",
		keyword + " 술 페어링",
		keyword + " 위스키",
	}

	var all []Result
	for _, query := range queries {
		results, err := c.search(ctx, query, 4)
		if err != nil {
			c.logger.Warn("keyword query failed", "keyword", keyword, "query", query, "error", err)
			continue
		}
		all = append(all, results...)
	}

	unique := dedupeByURL(all)
	if len(unique) > 5 {
		unique = unique[:5]
	}
	return unique, nil
}

// search dispatches to Brave when configured, then Naver.
func (c *Client) search(ctx context.Context, query string, count int) ([]Result, error) {
	if c.braveKey != "" {
		return c.braveSearch(ctx, query, count)
	}
	if c.naverClientID != "" && c.naverClientSecret != "" {
		return c.naverSearch(ctx, query, count)
	}
	c.logger.Warn("no search provider configured, returning empty results")
	return nil, nil
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Age         string `json:"age"`
		} `json:"results"`
	} `json:"web"`
}

func (c *Client) braveSearch(ctx context.Context, query string, count int) ([]Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(count))
	params.Set("text_decorations", "false")
	params.Set("search_lang", "ko")
	params.Set("country", "kr")
	// Past week keeps results fresh enough for trend material.
	params.Set("freshness", "pw")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveAPIURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.braveKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave search returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read brave response: %w", err)
	}

	var parsed braveResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse brave response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Web.Results))
	for _, item := range parsed.Web.Results {
		results = append(results, Result{
			Title:         item.Title,
			URL:           item.URL,
			Description:   item.Description,
			PublishedDate: item.Age,
			Source:        hostname(item.URL),
		})
	}
	return results, nil
}

type naverResponse struct {
	Items []struct {
		Title       string `json:"title"`
		Link        string `json:"link"`
		Description string `json:"description"`
		PubDate     string `json:"pubDate"`
	} `json:"items"`
}

func (c *Client) naverSearch(ctx context.Context, query string, count int) ([]Result, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("display", strconv.Itoa(count))
	params.Set("sort", "date")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, naverNewsAPIURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Naver-Client-Id", c.naverClientID)
	req.Header.Set("X-Naver-Client-Secret", c.naverClientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("naver search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("naver search returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read naver response: %w", err)
	}

	var parsed naverResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse naver response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		results = append(results, Result{
			Title:         stripTags(item.Title),
			URL:           item.Link,
			Description:   stripTags(item.Description),
			PublishedDate: item.PubDate,
			Source:        hostname(item.Link),
		})
	}
	return results, nil
}

func dedupeByURL(results []Result) []Result {
	seen := make(map[string]bool, len(results))
	unique := results[:0:0]
	for _, r := range results {
		if seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		unique = append(unique, r)
	}
	return unique
}

func isTrendSite(u string) bool {
	for _, site := range trendSites {
		if strings.Contains(u, site) {
			return true
		}
	}
	return false
}

func hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// stripTags removes the <b> highlighting the Naver API wraps around
// matched terms.
func stripTags(s string) string {
	replacer := strings.NewReplacer(
		"<b>", "", "</b>", "",
		"&quot;", `"`, "&amp;", "&",
		"&lt;", "<", "&gt;", ">",
	)
	return replacer.Replace(s)
}
