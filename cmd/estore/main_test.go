package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/andreyvit/estore"
)

type member struct {
	Name string `msgpack:"name"`
	Team string `msgpack:"team"`
}

func buildTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "members.db")

	scm := estore.NewSchema()
	cat := estore.NewClassCatalog(scm, "classes")
	members := estore.AddStore[string, member](scm, "members", estore.NewSerialBinding[string, member](cat))
	estore.AddIndex[string, member, string](members, "by_team", nil, estore.ExtractorFuncs[string, member, string]{
		Extract: func(_ string, m member) (string, bool) { return m.Team, m.Team != "" },
	})
	teams := estore.AddStore[string, string](scm, "teams", estore.NewTupleBinding[string, string]())

	db, err := estore.Open(path, scm, estore.Options{IsTesting: true})
	require.NoError(t, err)
	db.Write(func(tx *estore.Tx) {
		for _, name := range []string{"red", "blue"} {
			_, _, err := teams.Put(tx, name, name+" team")
			require.NoError(t, err)
		}
		for _, m := range []member{{"ann", "red"}, {"bob", "red"}, {"cid", ""}} {
			_, _, err := members.Put(tx, m.Name, m)
			require.NoError(t, err)
		}
	})
	require.NoError(t, db.Close())
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func TestStats_Text(t *testing.T) {
	path := buildTestDB(t)

	out, err := run(t, "stats", path)
	require.NoError(t, err)
	assert.Contains(t, out, path+": ")
	assert.Contains(t, out, ", 2 stores\n")
	assert.Contains(t, out, "\nmembers: 3 rows, ")
	assert.Contains(t, out, "  by_team (#1, sorted duplicates): 2 entries\n")
	assert.Contains(t, out, "\nteams: 2 rows, ")
}

func TestStats_JSON(t *testing.T) {
	path := buildTestDB(t)

	out, err := run(t, "stats", "--format", "json", path)
	require.NoError(t, err)

	var stores []estore.StoreReport
	require.NoError(t, json.Unmarshal([]byte(out), &stores))
	require.Len(t, stores, 2)
	assert.Equal(t, "members", stores[0].Name)
	assert.Equal(t, 3, stores[0].Rows)
	require.Len(t, stores[0].Indices, 1)
	assert.Equal(t, "by_team", stores[0].Indices[0].Name)
	assert.Equal(t, uint64(1), stores[0].Indices[0].Ordinal)
	assert.Equal(t, 2, stores[0].Indices[0].Entries)
	assert.False(t, stores[0].Indices[0].Unique)
	assert.Equal(t, "teams", stores[1].Name)
	assert.Empty(t, stores[1].Indices)
}

func TestStats_YAMLFromEnv(t *testing.T) {
	path := buildTestDB(t)
	t.Setenv("ESTORE_FORMAT", "yaml")

	out, err := run(t, "stats", path)
	require.NoError(t, err)

	var stores []estore.StoreReport
	require.NoError(t, yaml.Unmarshal([]byte(out), &stores))
	require.Len(t, stores, 2)
	assert.Equal(t, 2, stores[1].Rows)
	assert.Contains(t, out, "name: by_team\n")
}

func TestCatalog(t *testing.T) {
	path := buildTestDB(t)

	out, err := run(t, "catalog", path)
	require.NoError(t, err)
	assert.Contains(t, out, "classes:\n")
	assert.Contains(t, out, ": string\n")
	assert.Regexp(t, `member\{name string, team string\}\n`, out)

	out, err = run(t, "catalog", "--format", "json", path)
	require.NoError(t, err)
	var cats []estore.CatalogReport
	require.NoError(t, json.Unmarshal([]byte(out), &cats))
	require.Len(t, cats, 1)
	assert.Equal(t, "classes", cats[0].Name)
	assert.Len(t, cats[0].Types, 2)
	assert.Len(t, cats[0].IDs, 2)
}

func TestErrors(t *testing.T) {
	path := buildTestDB(t)

	_, err := run(t, "stats", "--format", "xml", path)
	assert.ErrorContains(t, err, `invalid format "xml"`)

	_, err = run(t, "stats", filepath.Join(t.TempDir(), "missing.db"))
	var fault *estore.StorageFault
	assert.ErrorAs(t, err, &fault)

	_, err = run(t, "stats")
	assert.Error(t, err)
}
