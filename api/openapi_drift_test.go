package api

import (
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kinderboard/relay/broadcast"
	"github.com/kinderboard/relay/internal/logging"
)

var operationMethods = []string{"get", "put", "post", "delete", "patch", "head", "options"}

// documentedOperations lists "METHOD /path" for every operation in the
// embedded OpenAPI document.
func documentedOperations(t *testing.T) []string {
	t.Helper()
	var doc struct {
		Paths map[string]map[string]yaml.Node `yaml:"paths"`
	}
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc))

	var ops []string
	for path, item := range doc.Paths {
		for key := range item {
			if slices.Contains(operationMethods, key) {
				ops = append(ops, strings.ToUpper(key)+" "+path)
			}
		}
	}
	slices.Sort(ops)
	return ops
}

// routedOperations lists "METHOD /path" for every relay route, leaving out
// the document itself and its viewers.
func routedOperations(t *testing.T, a *API) []string {
	t.Helper()
	var ops []string
	err := chi.Walk(a.Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if route == "/openapi.yaml" || strings.HasPrefix(route, "/docs") || strings.HasPrefix(route, "/redoc") {
			return nil
		}
		ops = append(ops, method+" "+route)
		return nil
	})
	require.NoError(t, err)
	slices.Sort(ops)
	return ops
}

func TestOpenAPIMatchesRouter(t *testing.T) {
	hub := broadcast.NewMemoryHub()
	defer hub.Close()
	// Routing never touches the codec.
	a := New(nil, WithHub(hub), WithLogger(logging.Discard()))
	defer a.Close()

	assert.Equal(t, routedOperations(t, a), documentedOperations(t))
}

func TestOpenAPIOmitsEventsWithoutHub(t *testing.T) {
	a := New(nil, WithLogger(logging.Discard()))
	defer a.Close()

	routes := routedOperations(t, a)
	assert.NotContains(t, routes, "GET /session-events")
	assert.Contains(t, documentedOperations(t), "GET /session-events")
	assert.Len(t, routes, len(documentedOperations(t))-1)
}
