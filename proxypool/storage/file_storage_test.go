package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"outproxy_nexus/proxypool/model"
)

func TestFileStorage_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "endpoints.txt")
	fs := NewFileStorage(path)

	at := time.UnixMilli(1760000000000)
	a := &model.RankedEndpoint{
		Endpoint: model.Endpoint{Host: "exit.i2p", Port: 4444, Scheme: model.SchemeHTTP, Source: "outproxys.i2p"},
		History: []model.ProbeResult{
			{Success: false, Failure: model.FailureTimeout, At: at},
			{Success: true, Bytes: 10240, Throughput: 2048.5, Elapsed: 5 * time.Second, Latency: 800 * time.Millisecond, At: at.Add(time.Minute)},
		},
	}
	b := &model.RankedEndpoint{Endpoint: model.Endpoint{Host: "10.0.0.1", Port: 1080, Scheme: model.SchemeSOCKS5}}
	c := &model.RankedEndpoint{
		Endpoint:            model.Endpoint{Host: "purokishi.i2p", Port: 4444, Scheme: model.SchemeHTTP, Source: "outproxys.i2p"},
		History:             []model.ProbeResult{{Success: true, Bytes: 10240, Throughput: 9000, At: at}},
		ConsecutiveFailures: 3,
		Demoted:             true,
		DemotedAt:           at.Add(2 * time.Minute),
	}

	if err := fs.Save([]*model.RankedEndpoint{a, b, c}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := fs.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 endpoints (never-measured ones are not persisted), got %d", len(loaded))
	}
	var got, demoted *model.RankedEndpoint
	for _, e := range loaded {
		switch e.Endpoint.Key() {
		case a.Endpoint.Key():
			got = e
		case c.Endpoint.Key():
			demoted = e
		}
	}
	if got == nil || demoted == nil {
		t.Fatalf("Unexpected endpoints loaded: %+v", loaded)
	}
	if !demoted.Demoted || demoted.ConsecutiveFailures != 3 || !demoted.DemotedAt.Equal(c.DemotedAt) {
		t.Errorf("Demotion state not restored: demoted=%v failures=%d at=%v", demoted.Demoted, demoted.ConsecutiveFailures, demoted.DemotedAt)
	}
	if demoted.Endpoint.Source != "outproxys.i2p" || len(demoted.History) != 1 {
		t.Errorf("Demoted endpoint lost its source or history: %+v", demoted)
	}
	if got.Demoted || got.ConsecutiveFailures != 0 {
		t.Errorf("Healthy endpoint restored with failure state: %+v", got)
	}
	if got.Endpoint != a.Endpoint {
		t.Errorf("Endpoint mismatch: %+v vs %+v", got.Endpoint, a.Endpoint)
	}
	if len(got.History) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(got.History))
	}
	if got.History[0].Failure != model.FailureTimeout || got.History[0].Success {
		t.Errorf("Failed probe not restored: %+v", got.History[0])
	}
	ok := got.History[1]
	if !ok.Success || ok.Bytes != 10240 || ok.Throughput != 2048.5 || ok.Latency != 800*time.Millisecond || !ok.At.Equal(at.Add(time.Minute)) {
		t.Errorf("Successful probe not restored: %+v", ok)
	}
}

func TestFileStorage_MissingFile(t *testing.T) {
	fs := NewFileStorage(filepath.Join(t.TempDir(), "missing.txt"))
	entries, err := fs.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Expected empty pool, got %d", len(entries))
	}
}

func TestFileStorage_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "endpoints.txt")
	content := "# comment\n" +
		"http|a.i2p|4444||true|100|10|10240|1024.00|1760000000000|none\n" +
		"http|b.i2p|notaport||true|100|10|10240|1024.00|1760000000000|none\n" +
		"ftp|c.i2p|21||true|100|10|10240|1024.00|1760000000000|none\n" +
		"too|few|fields\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := NewFileStorage(path).Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(entries) != 1 || entries[0].Endpoint.Host != "a.i2p" {
		t.Fatalf("Expected only a.i2p to load, got %+v", entries)
	}
}
