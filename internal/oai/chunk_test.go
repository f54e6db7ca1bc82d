package oai

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listRecordsPage = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <responseDate>2026-03-01T12:00:00Z</responseDate>
  <request verb="ListRecords">https://example.org/oai</request>
  <ListRecords>
    <record>
      <header>
        <identifier>oai:example.org:990001</identifier>
        <datestamp>2026-03-01T10:00:00Z</datestamp>
      </header>
      <metadata>
        <record>
          <leader>00000nam a2200000 c 4500</leader>
          <controlfield tag="001">990001</controlfield>
          <datafield tag="245" ind1="1" ind2="0">
            <subfield code="a">Ein Titel</subfield>
          </datafield>
        </record>
      </metadata>
    </record>
    <record>
      <header status="deleted">
        <identifier>oai:example.org:990002</identifier>
        <datestamp>2026-03-01T10:00:00Z</datestamp>
      </header>
    </record>
    <resumptionToken cursor="0" completeListSize="4">token-page-2</resumptionToken>
  </ListRecords>
</OAI-PMH>`

const lastPage = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <ListRecords>
    <record>
      <header>
        <identifier>oai:example.org:990003</identifier>
        <datestamp>2026-03-01T11:00:00Z</datestamp>
      </header>
      <metadata>
        <record>
          <leader>00000nam a2200000 c 4500</leader>
          <controlfield tag="001">990003</controlfield>
        </record>
      </metadata>
    </record>
    <resumptionToken/>
  </ListRecords>
</OAI-PMH>`

const errorPage = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <error code="badResumptionToken">The value of the resumptionToken argument is invalid</error>
</OAI-PMH>`

func TestParseResponse(t *testing.T) {
	chunk, err := ParseResponse(strings.NewReader(listRecordsPage))
	require.NoError(t, err)

	assert.Equal(t, "token-page-2", chunk.ResumptionToken)
	require.Len(t, chunk.Records, 2)
	assert.Contains(t, string(chunk.Records[0]), "<controlfield tag=\"001\">990001</controlfield>")
	assert.Contains(t, string(chunk.Records[1]), `status="deleted"`)

	for _, raw := range chunk.Records {
		assert.True(t, strings.HasPrefix(string(raw), "<record>"))
		assert.True(t, strings.HasSuffix(string(raw), "</record>"))
	}
}

func TestParseResponse_EmptyTokenOnLastPage(t *testing.T) {
	chunk, err := ParseResponse(strings.NewReader(lastPage))
	require.NoError(t, err)
	assert.Empty(t, chunk.ResumptionToken)
	assert.Len(t, chunk.Records, 1)
}

func TestParseResponse_ProtocolError(t *testing.T) {
	_, err := ParseResponse(strings.NewReader(errorPage))
	require.Error(t, err)

	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "badResumptionToken", pe.Code)
	assert.Contains(t, pe.Message, "resumptionToken argument is invalid")
}

func TestParseResponse_MalformedXML(t *testing.T) {
	_, err := ParseResponse(strings.NewReader("<OAI-PMH><ListRecords><record>"))
	require.Error(t, err)
}

func TestChunkFileName(t *testing.T) {
	assert.Equal(t, "chunk_fulltest_00001.xml", ChunkFileName("fulltest", 1))
	assert.Equal(t, "chunk_fulltest_00123.xml", ChunkFileName("fulltest", 123))
}

func TestListChunks_SortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"chunk_set_00002.xml",
		"chunk_set_00010.xml",
		"chunk_set_00001.xml",
		"notes.txt",
		"chunk_other.json",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "chunk_dir_00001.xml"), 0o755))

	chunks, err := ListChunks(dir)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, filepath.Join(dir, "chunk_set_00001.xml"), chunks[0])
	assert.Equal(t, filepath.Join(dir, "chunk_set_00002.xml"), chunks[1])
	assert.Equal(t, filepath.Join(dir, "chunk_set_00010.xml"), chunks[2])
}

func TestReadChunk_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ChunkFileName("set", 1))
	require.NoError(t, os.WriteFile(path, []byte(listRecordsPage), 0o644))

	chunk, err := ReadChunk(path)
	require.NoError(t, err)
	assert.Len(t, chunk.Records, 2)
	assert.Equal(t, "token-page-2", chunk.ResumptionToken)
}
