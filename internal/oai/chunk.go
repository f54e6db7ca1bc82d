// Package oai implements the OAI-PMH side of the harvester: fetching
// ListRecords pages from the repository, persisting them as chunk files and
// reading those chunks back for synchronization.
package oai

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// ProtocolError is an OAI-PMH level error returned inside a well-formed
// response, e.g. badResumptionToken or noRecordsMatch.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("oai: %s: %s", e.Code, e.Message)
}

// NoRecordsMatch is the protocol code for an empty result set. It is the one
// protocol error that is not a failure.
const NoRecordsMatch = "noRecordsMatch"

// Chunk is one parsed ListRecords response: the raw encoding of every
// record element, in document order, plus the paging token.
type Chunk struct {
	// Records holds each <record> element verbatim, re-wrapped so it can be
	// decoded on its own.
	Records [][]byte

	// ResumptionToken is empty on the last page.
	ResumptionToken string
}

type recordCapture struct {
	Inner []byte `xml:",innerxml"`
}

type tokenCapture struct {
	Value string `xml:",chardata"`
}

type errorCapture struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

// ParseResponse decodes one OAI-PMH ListRecords response. Record elements are
// captured verbatim rather than decoded, so malformed field content inside a
// record is the normalizer's problem, not the reader's. A *ProtocolError is
// returned when the repository answered with an <error> element.
func ParseResponse(r io.Reader) (*Chunk, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "oai: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	chunk := &Chunk{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "oai: read token")
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "error":
			var e errorCapture
			if err := dec.DecodeElement(&e, &se); err != nil {
				return nil, eris.Wrap(err, "oai: decode error element")
			}
			return nil, &ProtocolError{Code: e.Code, Message: strings.TrimSpace(e.Message)}

		case "record":
			var rc recordCapture
			if err := dec.DecodeElement(&rc, &se); err != nil {
				return nil, eris.Wrap(err, "oai: decode record element")
			}
			var buf bytes.Buffer
			buf.WriteString("<record>")
			buf.Write(rc.Inner)
			buf.WriteString("</record>")
			chunk.Records = append(chunk.Records, buf.Bytes())

		case "resumptionToken":
			var tc tokenCapture
			if err := dec.DecodeElement(&tc, &se); err != nil {
				return nil, eris.Wrap(err, "oai: decode resumption token")
			}
			chunk.ResumptionToken = strings.TrimSpace(tc.Value)
		}
	}
	return chunk, nil
}

// ReadChunk parses one chunk file from disk.
func ReadChunk(path string) (*Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "oai: open chunk %s", path)
	}
	defer f.Close() //nolint:errcheck

	chunk, err := ParseResponse(f)
	if err != nil {
		return nil, eris.Wrapf(err, "oai: parse chunk %s", path)
	}
	return chunk, nil
}

// ChunkFileName returns the on-disk name for the nth chunk of a set. The
// zero-padded counter keeps lexical and harvest order identical.
func ChunkFileName(set string, n int) string {
	return fmt.Sprintf("chunk_%s_%05d.xml", set, n)
}

// ListChunks returns the chunk files in a directory, sorted by name so that
// iteration follows harvest order.
func ListChunks(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "oai: read chunk directory %s", dir)
	}

	var chunks []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "chunk_") && strings.HasSuffix(name, ".xml") {
			chunks = append(chunks, filepath.Join(dir, name))
		}
	}
	sort.Strings(chunks)
	return chunks, nil
}
