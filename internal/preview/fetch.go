package preview

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	errs "github.com/mikequentel/notesky/internal/errors"
	"github.com/mikequentel/notesky/internal/media"
	"github.com/mikequentel/notesky/internal/model"
)

const (
	maxPageBytes  = 2 << 20
	maxImageBytes = 1 << 20 // the service rejects larger blobs anyway
	userAgent     = "notesky/1.0 (+link preview)"
)

// Fetcher is the cross-origin fetch primitive behind link cards and their
// thumbnails.
type Fetcher struct {
	client *http.Client
	logger *zap.Logger
}

func NewFetcher(hc *http.Client, logger *zap.Logger) *Fetcher {
	if hc == nil {
		hc = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{client: hc, logger: logger}
}

// Fetch never fails: when the page cannot be loaded or parsed the preview
// degrades to the URL as title plus its host.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) model.LinkPreview {
	p, err := f.fetch(ctx, rawURL)
	if err != nil {
		f.logger.Warn("link preview degraded", zap.String("url", rawURL), zap.Error(errs.NewPreviewFetch(rawURL, err)))
		return Degraded(rawURL)
	}
	return p
}

// Degraded is the preview used when the page is unavailable.
func Degraded(rawURL string) model.LinkPreview {
	return model.LinkPreview{URL: rawURL, Title: rawURL, Domain: hostname(rawURL)}
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (model.LinkPreview, error) {
	page, err := url.Parse(rawURL)
	if err != nil {
		return model.LinkPreview{}, err
	}
	resp, err := f.get(ctx, rawURL, "text/html,application/xhtml+xml")
	if err != nil {
		return model.LinkPreview{}, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return model.LinkPreview{}, fmt.Errorf("parse html: %w", err)
	}
	return extract(doc, page, rawURL), nil
}

func extract(doc *goquery.Document, page *url.URL, rawURL string) model.LinkPreview {
	p := model.LinkPreview{URL: rawURL, Domain: page.Hostname()}

	p.Title = firstNonEmpty(
		getMeta(doc, "og:title"),
		strings.TrimSpace(doc.Find("title").First().Text()),
		rawURL,
	)
	p.Description = firstNonEmpty(getMeta(doc, "og:description"), getMeta(doc, "description"))

	if img := getMeta(doc, "og:image"); img != "" {
		if ref, err := url.Parse(img); err == nil {
			p.Image = page.ResolveReference(ref).String()
		}
	}
	return p
}

// FetchImage downloads a thumbnail. The content type falls back to image/jpeg.
func (f *Fetcher) FetchImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	resp, err := f.get(ctx, rawURL, "image/*")
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(b) > maxImageBytes {
		return nil, "", fmt.Errorf("thumbnail %s exceeds %d bytes", rawURL, maxImageBytes)
	}
	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if mime = strings.TrimSpace(mime); mime == "" {
		// Sniff, and fall back to JPEG when the bytes say nothing.
		mime = media.DetectMime(b, "image/jpeg")
	}
	return b, mime, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: HTTP %d", rawURL, resp.StatusCode)
	}
	return resp, nil
}

// getMeta looks up <meta property=...> first, then <meta name=...>.
func getMeta(doc *goquery.Document, key string) string {
	for _, attr := range []string{"property", "name"} {
		sel := doc.Find(fmt.Sprintf(`meta[%s=%q]`, attr, key)).First()
		if v, ok := sel.Attr("content"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
