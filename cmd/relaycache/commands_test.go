package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/relaycache/internal/events"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func TestParseFilter(t *testing.T) {
	filter, err := parseFilter(`{"kinds":[0,1],"#e":["abc"],"limit":5}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(filter.Kinds) != 2 || filter.Limit != 5 || len(filter.Tags["e"]) != 1 {
		t.Fatalf("unexpected filter %+v", filter)
	}
	if _, err := parseFilter("not json"); err == nil {
		t.Fatalf("expected error for malformed filter")
	}
}

func TestIngestBatchesLines(t *testing.T) {
	store, err := events.NewStore(events.StoreConfig{Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	if err := store.Init(filepath.Join(t.TempDir(), "ingest.db")); err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	var lines []string
	for n := 1; n <= 5; n++ {
		lines = append(lines, fmt.Sprintf(`{"id":"%064x","pubkey":"%064x","created_at":%d,"kind":1,"tags":[],"content":"line %d","sig":""}`, n, 1, 100+n, n))
	}
	lines = append(lines, "", "garbage", lines[0])

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(&bytes.Buffer{})
	rt := &appRuntime{logger: zap.NewNop(), store: store}

	report, err := ingest(cmd, rt, strings.NewReader(strings.Join(lines, "\n")), 2)
	if err != nil {
		t.Fatalf("unexpected ingest error: %v", err)
	}
	if report.Read != 6 || report.Skipped != 1 {
		t.Fatalf("unexpected read counts %+v", report)
	}
	if report.Batches != 3 || report.AcceptedBatches != 3 {
		t.Fatalf("unexpected batch counts %+v", report)
	}
	if report.StoredBefore != 0 || report.StoredAfter != 5 {
		t.Fatalf("unexpected stored counts %+v", report)
	}
}
