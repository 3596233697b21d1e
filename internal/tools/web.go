package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
)

// WebClient fetches pages and reduces them to readable markdown for tool
// results. Adapted from manifold/internal/tools/web.go's WebClient: plain
// HTTP first, with a chromedp render pass only when the fetched body looks
// like a JS page shell. The pgx-backed content cache the teacher keeps is
// replaced by going straight to the network — results land in conversation
// history, which serves as the cache for this workload.
type WebClient struct {
	httpClient *http.Client
	userAgent  string
	// renderThreshold is the body size below which a page is assumed to be a
	// JS shell worth re-fetching through a headless browser.
	renderThreshold int
	enableRender    bool
}

// NewWebClient creates a WebClient with sane defaults.
func NewWebClient() *WebClient {
	return &WebClient{
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		userAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/137.0.0.0 Safari/537.36",
		renderThreshold: 2048,
		enableRender:    true,
	}
}

// WebPageContent is the reduced form of a fetched page.
type WebPageContent struct {
	Title   string
	Content string // markdown
	Source  string
}

// Get retrieves the main content of address as markdown.
func (c *WebClient) Get(ctx context.Context, address string) (*WebPageContent, error) {
	htmlContent, err := c.fetchHTML(ctx, address)
	if err != nil {
		return nil, err
	}
	if c.enableRender && len(htmlContent) < c.renderThreshold {
		if rendered, rerr := c.renderHTML(ctx, address); rerr == nil && len(rendered) > len(htmlContent) {
			htmlContent = rendered
		}
	}
	return extractMainContent(htmlContent, address)
}

func (c *WebClient) fetchHTML(ctx context.Context, address string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", address, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", address, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// renderHTML loads the page in a headless browser for JS-rendered sites.
func (c *WebClient) renderHTML(ctx context.Context, address string) (string, error) {
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
	)...)
	defer cancel()
	cctx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()
	cctx, cancel = context.WithTimeout(cctx, 10*time.Second)
	defer cancel()

	var htmlContent string
	err := chromedp.Run(cctx,
		chromedp.Navigate(address),
		chromedp.WaitReady("body"),
		chromedp.OuterHTML("html", &htmlContent),
	)
	return htmlContent, err
}

func extractMainContent(htmlContent, sourceURL string) (*WebPageContent, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	article, err := readability.FromReader(strings.NewReader(htmlContent), u)
	if err != nil {
		return nil, fmt.Errorf("extract content: %w", err)
	}
	markdown, err := htmltomarkdown.ConvertString(article.Content)
	if err != nil {
		// Fall back to the plain-text extraction rather than failing the tool.
		markdown = article.TextContent
	}
	return &WebPageContent{Title: article.Title, Content: strings.TrimSpace(markdown), Source: sourceURL}, nil
}

const maxToolPageChars = 4000

var pricePattern = regexp.MustCompile(`(?:[$€£]\s?\d[\d,]*(?:\.\d{2})?|\d[\d,]*(?:\.\d{2})?\s?(?:USD|EUR|GBP|AUD))`)

func registerWebTools(r *Registry, deps Deps) {
	web := deps.Web
	if web == nil {
		web = NewWebClient()
	}

	r.Register(Definition{
		Name:        "web_search",
		Description: "Search the web and return readable results.",
		Parameters: objSchema(map[string]any{
			"query": prop("string", "Search query."),
		}, "query"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			query := strings.TrimSpace(strInput(input, "query"))
			if query == "" {
				return "Please provide a search query.", nil
			}
			searchURL := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
			page, err := web.Get(ctx, searchURL)
			if err != nil {
				return "", err
			}
			content := page.Content
			if len(content) > maxToolPageChars {
				content = content[:maxToolPageChars] + "\n[truncated]"
			}
			return escapeUntrusted(deps, "web", content), nil
		},
	})

	r.Register(Definition{
		Name:        "price_check",
		Description: "Fetch a product page and extract the prices found on it.",
		Parameters: objSchema(map[string]any{
			"url": prop("string", "Product page URL."),
		}, "url"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			address := strings.TrimSpace(strInput(input, "url"))
			if address == "" {
				return "Please provide a URL.", nil
			}
			page, err := web.Get(ctx, address)
			if err != nil {
				return "", err
			}
			prices := pricePattern.FindAllString(page.Content, 10)
			if len(prices) == 0 {
				return fmt.Sprintf("No prices found on %s.", address), nil
			}
			return fmt.Sprintf("Prices on %s (%s):\n• %s",
				address, escapeUntrusted(deps, "web", page.Title), strings.Join(prices, "\n• ")), nil
		},
	})
}
