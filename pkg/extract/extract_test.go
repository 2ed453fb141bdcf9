package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderFor(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name        string
		contentType string
		wantErr     bool
	}{
		{"plain text", "text/plain", false},
		{"markdown", "text/markdown", false},
		{"json", "application/json", false},
		{"html", "text/html", false},
		{"charset parameter ignored", "text/plain; charset=utf-8", false},
		{"pdf unsupported", "application/pdf", true},
		{"binary unsupported", "application/octet-stream", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.DecoderFor(tt.contentType)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedMime)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, d)
		})
	}
}

func TestTextDecoder(t *testing.T) {
	d := &TextDecoder{}
	out, err := d.Decode(context.Background(), []byte("# title\n\nbody"))
	require.NoError(t, err)
	assert.Equal(t, "# title\n\nbody", out)
}

func TestJSONDecoder(t *testing.T) {
	d := &JSONDecoder{}

	out, err := d.Decode(context.Background(), []byte(`{"name":"memoir","tags":["a","b"]}`))
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "memoir"`)

	_, err = d.Decode(context.Background(), []byte(`{broken`))
	assert.Error(t, err)
}

func TestHTMLDecoder(t *testing.T) {
	d := &HTMLDecoder{}

	html := `<html><head><title>Memoir</title></head><body>
		<article><h1>Heading</h1><p>First paragraph with <b>bold</b> text.</p></article>
	</body></html>`

	out, err := d.Decode(context.Background(), []byte(html))
	require.NoError(t, err)
	assert.Contains(t, out, "Heading")
	assert.Contains(t, out, "First paragraph")
	assert.NotContains(t, out, "<p>")
}

func TestMimeForFileName(t *testing.T) {
	assert.Equal(t, "text/markdown", MimeForFileName("notes.md", ""))
	assert.Equal(t, "text/plain", MimeForFileName("notes.txt", ""))
	assert.Equal(t, "application/pdf", MimeForFileName("doc.bin", "application/pdf"))
	assert.Equal(t, "application/octet-stream", MimeForFileName("doc.bin", ""))
}
