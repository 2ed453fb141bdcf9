// Package extract turns uploaded files into plain text or markdown. A
// Registry routes each file to a Decoder by content type; files no decoder
// accepts fail permanently with ErrUnsupportedMime rather than retrying.
package extract
