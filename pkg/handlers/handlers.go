package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/cuemby/memoir/pkg/types"
)

// artifactName builds the blob name of a generated file:
// <parent>.<step>.<seq>.<ext>. The parent name keeps artifacts of the same
// upload adjacent in listings.
func artifactName(parent, step string, seq int, ext string) string {
	return fmt.Sprintf("%s.%s.%d.%s", parent, step, seq, ext)
}

// recordID derives the stable id of an embedded partition from the artifact
// name of the source file, which encodes the upload name and the step
// sequence. Re-running a pipeline over the same document yields the same ids,
// which turns re-ingestion into an in-place upsert instead of duplicate
// records.
func recordID(index, documentID, sourceName string, partition int, model string) string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		index, documentID, sourceName, strconv.Itoa(partition), model,
	}, "/")))
	return "mem-" + hex.EncodeToString(h[:16])
}

// newFileID mints an id for a generated file
func newFileID() string {
	return uuid.NewString()
}

// systemTags stamps the reserved bookkeeping tags onto a record's tag set
func systemTags(tags types.TagCollection, documentID, fileID string, partition int, synthetic string) types.TagCollection {
	out := tags.Clone()
	if out == nil {
		out = types.TagCollection{}
	}
	out[types.TagDocumentID] = []string{documentID}
	out[types.TagFileID] = []string{fileID}
	out[types.TagFilePart] = []string{strconv.Itoa(partition)}
	if synthetic != "" {
		out[types.TagSynthetic] = []string{synthetic}
	}
	return out
}

// forEachFile visits every file of the manifest, uploaded and generated.
// Generated files nest (a partition derives from an extracted text which
// derives from the upload), so the walk is recursive.
func forEachFile(p *types.Pipeline, visit func(f *types.FileDetails) error) error {
	var walk func(f *types.FileDetails) error
	walk = func(f *types.FileDetails) error {
		if err := visit(f); err != nil {
			return err
		}
		for _, gf := range f.GeneratedFiles {
			if err := walk(gf); err != nil {
				return err
			}
		}
		return nil
	}
	for _, f := range p.Files {
		if err := walk(f); err != nil {
			return err
		}
	}
	return nil
}
