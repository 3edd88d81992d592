package templates

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/h2non/gock.v1"
)

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestStore_List(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "unsigned-mdl-conf.json", `{}`)
	writeTemplate(t, dir, "age-over-18-conf.json", `{}`)
	writeTemplate(t, dir, "notes.txt", `ignored`)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested-conf.json"), 0755))

	ids, err := NewStore(dir, zap.NewNop()).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"age-over-18", "unsigned-mdl"}, ids)
}

func TestStore_ListMissingDir(t *testing.T) {
	ids, err := NewStore(filepath.Join(t.TempDir(), "missing"), zap.NewNop()).List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_Load(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "unsigned-mdl-conf.json", `{"core":{"flow_type":"DC_API"}}`)

	got, err := NewStore(dir, zap.NewNop()).Load(context.Background(), "unsigned-mdl")
	require.NoError(t, err)
	assert.JSONEq(t, `{"core":{"flow_type":"DC_API"}}`, string(got))
}

func TestStore_LoadNotFoundListsAvailable(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "unsigned-mdl-conf.json", `{}`)
	writeTemplate(t, dir, "photo-id-conf.json", `{}`)

	_, err := NewStore(dir, zap.NewNop()).Load(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, []string{"photo-id", "unsigned-mdl"}, nf.Available)
	assert.Contains(t, err.Error(), "photo-id, unsigned-mdl")
}

func TestStore_LoadRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	_, err := NewStore(dir, zap.NewNop()).Load(context.Background(), "../secret")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_LoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "broken-conf.json", `{not json`)

	_, err := NewStore(dir, zap.NewNop()).Load(context.Background(), "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

const openAPIDoc = `{
  "openapi": "3.1.0",
  "paths": {
    "/verification-session/create": {
      "post": {
        "requestBody": {
          "content": {
            "application/json": {
              "examples": {
                "Basic presentation": {"value": {"core": {"flow_type": "cross_device"}}},
                "DC_API unsigned mDL": {"summary": "mDL over DC API", "value": {"core": {"flow_type": "dc_api"}}},
                "dc_api without value": {"summary": "broken"},
                "Signed dc_api photo id": {"value": {"core": {"signed": true}}}
              }
            }
          }
        }
      }
    }
  }
}`

func TestParseExamples(t *testing.T) {
	examples := ParseExamples([]byte(openAPIDoc))
	require.Len(t, examples, 2)

	assert.Equal(t, "DC_API unsigned mDL", examples[0].Title)
	assert.Equal(t, "mDL over DC API", examples[0].Summary)
	assert.JSONEq(t, `{"core": {"flow_type": "dc_api"}}`, string(examples[0].Payload))
	assert.Equal(t, "Signed dc_api photo id", examples[1].Title)
}

func TestParseExamples_NoExamples(t *testing.T) {
	assert.Empty(t, ParseExamples([]byte(`{"paths": {}}`)))
}

func TestDiscoverer_Discover(t *testing.T) {
	defer gock.Off()

	client := &http.Client{}
	gock.InterceptClient(client)
	gock.New("https://verifier.example.com").
		Get("/api.json").
		Reply(200).
		BodyString(openAPIDoc)

	examples, err := NewDiscoverer("https://verifier.example.com/", client, zap.NewNop()).Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, examples, 2)
	assert.True(t, gock.IsDone())
}

func TestDiscoverer_DiscoverHTTPError(t *testing.T) {
	defer gock.Off()

	client := &http.Client{}
	gock.InterceptClient(client)
	gock.New("https://verifier.example.com").
		Get("/api.json").
		Reply(503)

	_, err := NewDiscoverer("https://verifier.example.com", client, zap.NewNop()).Discover(context.Background())
	assert.Error(t, err)
}
