// Package metadata extracts best-effort display metadata for a page.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/rewindly/agent/internal/activity"
)

// MaxDescriptionChars bounds descriptions taken from paragraph text.
const MaxDescriptionChars = 200

// FaviconServiceURL is the fallback favicon source, keyed by hostname.
const FaviconServiceURL = "https://www.google.com/s2/favicons?domain=%s&sz=32"

// Page is what the host environment knows about a tab.
type Page struct {
	TabID      int    `json:"tab_id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	FavIconURL string `json:"fav_icon_url,omitempty"`
	// HTML is the serialized document, if the host could capture it.
	HTML string `json:"html,omitempty"`
}

// Metadata holds whatever could be extracted. Nil fields were unavailable.
type Metadata struct {
	Title       *string
	Description *string
	Favicon     *string
}

// Extractor produces metadata for a page. A non-nil error describes fields
// that could not be extracted; the returned Metadata is still usable.
type Extractor interface {
	Extract(ctx context.Context, page Page) (Metadata, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, page Page) (Metadata, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(ctx context.Context, page Page) (Metadata, error) {
	return f(ctx, page)
}

// HTMLExtractor reads metadata from the page fields and its serialized document.
type HTMLExtractor struct{}

// Extract implements Extractor.
func (HTMLExtractor) Extract(ctx context.Context, page Page) (Metadata, error) {
	var (
		md   Metadata
		errs []error
	)

	if err := ctx.Err(); err != nil {
		return md, err
	}

	md.Title = activity.StringPtr(strings.TrimSpace(page.Title))

	favicon, err := Favicon(page)
	if err != nil {
		errs = append(errs, fmt.Errorf("favicon: %w", err))
	} else {
		md.Favicon = &favicon
	}

	desc, err := Description(page)
	if err != nil {
		errs = append(errs, fmt.Errorf("description: %w", err))
	} else {
		md.Description = &desc
	}

	return md, errors.Join(errs...)
}

// Favicon returns the tab's own favicon, or the favicon service URL for the
// page's host when the tab has none or exposes an internal one.
func Favicon(page Page) (string, error) {
	if page.FavIconURL != "" && activity.IsTrackable(page.FavIconURL) {
		return page.FavIconURL, nil
	}

	u, err := url.Parse(page.URL)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("no hostname in %q", page.URL)
	}
	return fmt.Sprintf(FaviconServiceURL, host), nil
}

// Description picks the first available of: meta description, og:description,
// the first paragraph's text (truncated), the document title, the tab title.
func Description(page Page) (string, error) {
	if strings.TrimSpace(page.HTML) == "" {
		return "", errors.New("document not captured")
	}

	doc, err := html.Parse(strings.NewReader(page.HTML))
	if err != nil {
		return "", err
	}

	var (
		metaDesc  string
		ogDesc    string
		firstPara string
		docTitle  string
		sawPara   bool
	)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				content := strings.TrimSpace(attr(n, "content"))
				switch {
				case strings.EqualFold(attr(n, "name"), "description") && metaDesc == "":
					metaDesc = content
				case strings.EqualFold(attr(n, "property"), "og:description") && ogDesc == "":
					ogDesc = content
				}
			case "p":
				if !sawPara {
					sawPara = true
					firstPara = truncate(collapse(textContent(n)), MaxDescriptionChars)
				}
			case "title":
				if docTitle == "" {
					docTitle = collapse(textContent(n))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for _, candidate := range []string{metaDesc, ogDesc, firstPara, docTitle, strings.TrimSpace(page.Title)} {
		if candidate != "" {
			return candidate, nil
		}
	}
	return "", errors.New("no description source")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// collapse trims and folds runs of whitespace into single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
