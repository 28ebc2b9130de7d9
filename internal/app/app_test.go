package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgard/chatmirror/internal/config"
	"github.com/edgard/chatmirror/internal/database"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	platform := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(platform.Close)

	dir := t.TempDir()
	return &config.Config{
		Log:     config.LogConfig{Level: "info"},
		Storage: config.StorageConfig{Dir: filepath.Join(dir, "resources"), MaxResourceBytes: 1 << 20},
		Extraction: config.ExtractionConfig{
			OCRModel: "gemini-test",
			ASRModel: "gemini-test",
			Timeout:  time.Second,
		},
		Scheduler: config.SchedulerConfig{
			ResourceSweepInterval:   time.Hour,
			ExtractionSweepInterval: time.Hour,
			ChatMetadataTTL:         time.Hour,
		},
		Accounts: []config.AccountConfig{{
			ID:                "acc",
			TenantKey:         "tenant",
			AppID:             "cli_test",
			AppSecret:         "secret",
			BaseURL:           platform.URL,
			RequestsPerSecond: 100,
			Database: config.DatabaseConfig{
				URL:          "sqlite://" + filepath.Join(dir, "store.db"),
				TablePrefix:  "cm_",
				MaxOpenConns: 1,
			},
		}},
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("failed to build app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean stop, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if a.Pipeline().HandleEvent(context.Background(), "acc", []byte(`{"message_id":"om_1"}`)) == nil {
		t.Error("expected events to be rejected after shutdown")
	}
}

func TestPrepareAccountsResetsInterruptedDownloads(t *testing.T) {
	t.Parallel()

	a, err := New(testConfig(t), nil, nil)
	if err != nil {
		t.Fatalf("failed to build app: %v", err)
	}
	t.Cleanup(a.shutdown)

	ctx := context.Background()
	rt, ok := a.Accounts().Get("acc")
	if !ok {
		t.Fatal("expected account acc")
	}
	store, err := rt.Store(ctx)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	err = store.RegisterResources(ctx, []database.Resource{
		{TenantKey: "tenant", AccountID: "acc", MessageID: "om_1", Kind: "image", FileKey: "img_1"},
	})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	batch, err := store.SelectDownloadBatch(ctx, "acc", 3, 10)
	if err != nil || len(batch) != 1 {
		t.Fatalf("expected one resource, got %d (err %v)", len(batch), err)
	}
	if ok, err := store.ClaimResource(ctx, batch[0].ID, 3); err != nil || !ok {
		t.Fatalf("expected claim, got %v (err %v)", ok, err)
	}

	if err := a.prepareAccounts(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := store.GetResource(ctx, batch[0].ID)
	if err != nil || res == nil {
		t.Fatalf("expected resource, got %v (err %v)", res, err)
	}
	if res.Status != database.ResourceFailed {
		t.Errorf("expected failed status, got %s", res.Status)
	}
}

func TestNewRejectsBadDatabaseURL(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Accounts[0].Database.URL = "oracle://nowhere"
	if _, err := New(cfg, nil, nil); err == nil {
		t.Error("expected an error for an unsupported database")
	}
}
