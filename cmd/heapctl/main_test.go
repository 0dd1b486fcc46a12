// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kianostad/rheap"
)

func testFlags(t *testing.T) *globalFlags {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rheap.toml")
	cfg := `
[heap]
region-size = 65536
num-regions = 16
initial-capacity = 524288
min-capacity = 131072
backing = "memory"

[log]
level = "error"
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return &globalFlags{configPath: path}
}

func openTestHeap(t *testing.T) rheap.Heap {
	t.Helper()
	h, err := testFlags(t).openHeap()
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestLoadConfigOverrides(t *testing.T) {
	flags := testFlags(t)
	flags.delay = 2 * time.Second
	flags.logLevel = "debug"

	cfg, err := flags.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(2000), cfg.Uncommit.DelayMs)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Heap.Backing)

	flags.backing = "tape"
	_, err = flags.loadConfig()
	assert.ErrorIs(t, err, rheap.ErrInvalidConfig)
}

func TestREPLSession(t *testing.T) {
	h := openTestHeap(t)

	var out bytes.Buffer
	script := strings.Join([]string{
		"alloc 3",
		"free 1",
		"free 7",
		"softmax 256KiB",
		"softmax 256KiB",
		"stats",
		"regions",
		"bogus",
		"quit",
		"alloc", // never reached
	}, "\n")
	NewREPL(h, &out).Run(strings.NewReader(script))

	got := out.String()
	assert.Contains(t, got, "Allocated region 0")
	assert.Contains(t, got, "Allocated region 2")
	assert.Contains(t, got, "Released region 1")
	assert.Contains(t, got, "Region 7 is not allocated")
	assert.Contains(t, got, "Soft max set to 256 KiB")
	assert.Contains(t, got, "Soft max unchanged")
	assert.Contains(t, got, "index,state,committed,empty_time")
	assert.Contains(t, got, "Unknown command: bogus")
	assert.Contains(t, got, "Goodbye!")
	assert.Equal(t, 1, strings.Count(got, "Goodbye!"))
	assert.Equal(t, uint64(2*64<<10), h.Stats(context.Background()).Used)
}

func TestREPLExport(t *testing.T) {
	h := openTestHeap(t)
	r := NewREPL(h, io.Discard)
	filename := filepath.Join(t.TempDir(), "regions.json")

	require.True(t, r.Exec(context.Background(), "export", []string{filename, "json"}))

	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "regions")
	assert.Contains(t, doc, "stats")
}

func TestServerMux(t *testing.T) {
	h := openTestHeap(t)
	handler, err := newServerMux(h)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "rheap_heap_committed_bytes")

	resp, err = http.Get(srv.URL + "/regions?format=csv")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(string(body), "index,state,committed,empty_time"))

	resp, err = http.Get(srv.URL + "/regions?format=xml")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/gc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/gc", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}
