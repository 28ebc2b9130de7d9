package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/edgard/chatmirror/internal/logger"
)

func TestReadEvents(t *testing.T) {
	t.Parallel()

	feed := strings.Join([]string{
		`{"message_id":"om_1"}`,
		``,
		`bad`,
		`{"message_id":"om_2"}`,
	}, "\n")

	var seen []string
	n, err := readEvents(context.Background(), strings.NewReader(feed), func(line []byte) error {
		if string(line) == "bad" {
			return errors.New("malformed")
		}
		seen = append(seen, string(line))
		return nil
	}, logger.Discard())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 || len(seen) != 2 {
		t.Errorf("expected 2 accepted events, got %d (%v)", n, seen)
	}
}

func TestRunRejectsMissingConfig(t *testing.T) {
	t.Parallel()

	if code := run(context.Background(), []string{"--config", "/nonexistent/config.yaml"}); code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
	if code := run(context.Background(), []string{"--bogus"}); code != 2 {
		t.Errorf("expected exit code 2, got %d", code)
	}
}
