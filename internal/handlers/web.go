// Copyright (C) 2025 Dyne.org foundation
// designed, written and maintained by Denis Roio <jaromil@dyne.org>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

func parseRemoteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL %q has no host", raw)
	}
	return u, nil
}

// fetch downloads url with the shared client, bounded by the sandbox file size
// limit.
func (e *env) fetch(ctx context.Context, raw string) ([]byte, string, error) {
	u, err := parseRemoteURL(raw)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", "dataworks/1.0")
	resp, err := e.HTTP.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request to %s failed: %w", u.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("request to %s returned %s", u.Host, resp.Status)
	}

	limit := e.Guard.Limits().MaxFileSizeBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("response exceeds maximum size of %d bytes", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

type fetchArgs struct {
	APIURL string `json:"api_url" arg:"string" jsonschema:"description=HTTP or HTTPS URL to fetch"`
	Output string `json:"output" arg:"path" jsonschema:"description=File that receives the response"`
}

func (e *env) fetchAPI(ctx context.Context, args fetchArgs) (string, error) {
	body, contentType, err := e.fetch(ctx, args.APIURL)
	if err != nil {
		return "", err
	}

	content := body
	if json.Valid(body) {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, body, "", "  "); err == nil {
			content = pretty.Bytes()
		}
	}
	out, err := e.writeOutput(args.Output, string(content))
	if err != nil {
		return "", err
	}
	summary := fmt.Sprintf("fetched %d bytes", len(body))
	if contentType != "" {
		summary += " of " + contentType
	}
	return wrote(summary, out), nil
}

type scrapeArgs struct {
	WebsiteURL string `json:"website_url" arg:"string" jsonschema:"description=Page to scrape"`
	Output     string `json:"output" arg:"path" jsonschema:"description=JSON file that receives the title and links"`
}

type scrapedPage struct {
	URL   string   `json:"url"`
	Title string   `json:"title"`
	Links []string `json:"links"`
}

func (e *env) scrapeWebsite(ctx context.Context, args scrapeArgs) (string, error) {
	body, _, err := e.fetch(ctx, args.WebsiteURL)
	if err != nil {
		return "", err
	}
	page, err := scrapePage(body)
	if err != nil {
		return "", err
	}
	page.URL = args.WebsiteURL

	encoded, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return "", err
	}
	out, err := e.writeOutput(args.Output, string(encoded))
	if err != nil {
		return "", err
	}
	return wrote(fmt.Sprintf("scraped %q with %d links", page.Title, len(page.Links)), out), nil
}

func scrapePage(body []byte) (scrapedPage, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return scrapedPage{}, fmt.Errorf("failed to parse HTML: %w", err)
	}
	page := scrapedPage{Links: []string{}}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if page.Title == "" && n.FirstChild != nil {
					page.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case atom.A:
				for _, attr := range n.Attr {
					if attr.Key == "href" && strings.TrimSpace(attr.Val) != "" {
						page.Links = append(page.Links, strings.TrimSpace(attr.Val))
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return page, nil
}
