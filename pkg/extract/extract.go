package extract

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
)

// ErrUnsupportedMime marks a file type no decoder handles. The pipeline
// treats it as permanent: retrying cannot make the type decodable.
var ErrUnsupportedMime = errors.New("unsupported_mime")

// Decoder turns one file format into plain text or markdown
type Decoder interface {
	// Mimes lists the content types the decoder accepts
	Mimes() []string

	// Decode extracts the textual content of data
	Decode(ctx context.Context, data []byte) (string, error)
}

// Registry routes files to decoders by content type
type Registry struct {
	decoders map[string]Decoder
}

// NewRegistry returns a registry with the built-in decoders: plain text,
// markdown, JSON and HTML.
func NewRegistry() *Registry {
	r := &Registry{decoders: map[string]Decoder{}}
	r.Register(&TextDecoder{})
	r.Register(&JSONDecoder{})
	r.Register(&HTMLDecoder{})
	return r
}

// Register adds a decoder for every content type it reports
func (r *Registry) Register(d Decoder) {
	for _, m := range d.Mimes() {
		r.decoders[m] = d
	}
}

// DecoderFor resolves a decoder for a content type, ignoring parameters
// like charset. Returns ErrUnsupportedMime when nothing matches.
func (r *Registry) DecoderFor(contentType string) (Decoder, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	d, ok := r.decoders[mt]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMime, contentType)
	}
	return d, nil
}

// MimeForFileName guesses a content type from a file extension, falling
// back to the provided type when the extension is unknown.
func MimeForFileName(name, fallback string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		switch strings.ToLower(name[i:]) {
		case ".md", ".markdown":
			return "text/markdown"
		case ".txt", ".log":
			return "text/plain"
		}
		if mt := mime.TypeByExtension(name[i:]); mt != "" {
			// Drop parameters like charset
			if base, _, err := mime.ParseMediaType(mt); err == nil {
				return base
			}
			return mt
		}
	}
	if fallback != "" {
		return fallback
	}
	return "application/octet-stream"
}
