package export

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/ghsync/internal/schema"
	"github.com/steveyegge/ghsync/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	config := store.DefaultConfig(filepath.Join(t.TempDir(), "cache.db"))
	config.Logger = log.New(io.Discard, "", 0)
	st, err := store.Open(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seed(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.WriteList(ctx, []schema.Record{
		{ID: 1, Login: "mojombo", Kind: schema.KindIndividual},
		{ID: 2, Login: "defunkt", Kind: schema.KindIndividual},
		{ID: 44, Login: "errfree", Kind: schema.KindOrganization},
	}))
	require.NoError(t, st.WriteDetail(ctx, "defunkt", schema.Record{ID: 2, Login: "defunkt", Kind: schema.KindIndividual, Name: "Chris", PublicRepos: 107}))
	require.NoError(t, st.WriteNote(ctx, "mojombo", "first user"))
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatJSONL, "JSONL": FormatJSONL, "yml": FormatYAML, "yaml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("csv")
	assert.Error(t, err)
}

func TestJSONLRoundTrip(t *testing.T) {
	src := setupTestStore(t)
	seed(t, src)

	var buf bytes.Buffer
	n, err := WriteJSONL(context.Background(), src, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))

	dst := setupTestStore(t)
	res, err := Import(context.Background(), dst, &buf, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Read)
	assert.Equal(t, 3, res.Imported)

	want, err := src.All(context.Background())
	require.NoError(t, err)
	got, err := dst.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestImport_StoreWins(t *testing.T) {
	st := setupTestStore(t)
	seed(t, st)
	ctx := context.Background()

	input := strings.Join([]string{
		`{"id":1,"login":"renamed","note":"imported note","viewed":false}`,
		`{"id":2,"login":"defunkt","viewed":false}`,
		`{"id":99,"login":"newcomer","type":"User","viewed":true,"name":"New"}`,
	}, "\n")

	_, err := Import(ctx, st, strings.NewReader(input), ImportOptions{})
	require.NoError(t, err)

	first, err := st.ReadByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "mojombo", first.Login)
	assert.Equal(t, "first user", first.Note)

	second, err := st.ReadByID(ctx, 2)
	require.NoError(t, err)
	assert.True(t, second.Viewed, "viewed must not revert")
	assert.Equal(t, "Chris", second.Name)

	added, err := st.ReadByID(ctx, 99)
	require.NoError(t, err)
	assert.True(t, added.Viewed)
	assert.Equal(t, "New", added.Name)
}

func TestImport_DryRun(t *testing.T) {
	st := setupTestStore(t)

	input := "{\"id\":5,\"login\":\"a\"}\n\n{\"id\":5,\"login\":\"b\"}\n"
	res, err := Import(context.Background(), st, strings.NewReader(input), ImportOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Read)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Imported)

	count, err := st.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReadJSONL_Invalid(t *testing.T) {
	_, err := ReadJSONL(strings.NewReader("{\"id\":1}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	_, err = ReadJSONL(strings.NewReader(`{"id":0,"login":"zero"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")

	_, err = ReadJSONL(strings.NewReader(`{"id":3,"type":"Robot"}`))
	assert.Error(t, err)
}

func TestWriteYAML(t *testing.T) {
	st := setupTestStore(t)
	seed(t, st)

	var buf bytes.Buffer
	n, err := WriteYAML(context.Background(), st, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var decoded []schema.Record
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 3)
	assert.Equal(t, "defunkt", decoded[1].Login)
	assert.Equal(t, 107, decoded[1].PublicRepos)
	assert.Equal(t, schema.KindOrganization, decoded[2].Kind)
}

func TestWriteFile_ReplacesAtomically(t *testing.T) {
	st := setupTestStore(t)
	seed(t, st)

	path := filepath.Join(t.TempDir(), "out", "users.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("old"), 0600))

	n, err := WriteFile(context.Background(), st, path, FormatJSONL)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "old")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")

	res, err := ImportFile(context.Background(), setupTestStore(t), path, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Imported)
}

func TestImportFile_Missing(t *testing.T) {
	_, err := ImportFile(context.Background(), setupTestStore(t), filepath.Join(t.TempDir(), "nope.jsonl"), ImportOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
