package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
)

// fallbackPageURL anchors relative links when the page origin is unknown
var fallbackPageURL = &url.URL{Scheme: "https", Host: "localhost"}

// TextDecoder passes plain text and markdown through unchanged
type TextDecoder struct{}

func (d *TextDecoder) Mimes() []string {
	return []string{"text/plain", "text/markdown", "text/x-markdown", "text/csv"}
}

func (d *TextDecoder) Decode(ctx context.Context, data []byte) (string, error) {
	return string(data), nil
}

// JSONDecoder flattens a JSON document into indented text so string values
// survive into the partitions.
type JSONDecoder struct{}

func (d *JSONDecoder) Mimes() []string {
	return []string{"application/json", "text/json"}
}

func (d *JSONDecoder) Decode(ctx context.Context, data []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return "", fmt.Errorf("malformed json: %w", err)
	}
	return buf.String(), nil
}

// HTMLDecoder extracts the main article from an HTML page with readability
// and converts it to markdown. Pages readability cannot parse fall back to
// a direct conversion of the whole document.
type HTMLDecoder struct{}

func (d *HTMLDecoder) Mimes() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

func (d *HTMLDecoder) Decode(ctx context.Context, data []byte) (string, error) {
	article, err := readability.FromReader(bytes.NewReader(data), fallbackPageURL)
	if err == nil && strings.TrimSpace(article.Content) != "" {
		md, convErr := htmltomarkdown.ConvertString(article.Content)
		if convErr == nil {
			if title := strings.TrimSpace(article.Title); title != "" {
				return "# " + title + "\n\n" + md, nil
			}
			return md, nil
		}
	}

	md, err := htmltomarkdown.ConvertString(string(data))
	if err != nil {
		return "", fmt.Errorf("failed to convert html: %w", err)
	}
	return md, nil
}
