package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testMbox = `From alice@x.com Mon Jan  5 10:00:00 2026
From: Alice <alice@x.com>
Subject: Re: Onboarding letter

Signed copy attached.

From bob@x.com Mon Jan  5 11:00:00 2026
From: bob@x.com
Subject: Re: Onboarding letter

Thanks, will send it back tomorrow.
`

func writeTestMbox(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replies.mbox")
	if err := os.WriteFile(path, []byte(testMbox), 0o644); err != nil {
		t.Fatalf("write mbox fixture: %v", err)
	}
	return path
}

func TestMboxSource_List(t *testing.T) {
	src, err := OpenMbox(writeTestMbox(t))
	if err != nil {
		t.Fatalf("OpenMbox() error = %v", err)
	}
	defer src.Close()

	ids, err := src.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("List() returned %d ids, want 2", len(ids))
	}
	if ids[0] != "mbox-00001" || ids[1] != "mbox-00002" {
		t.Errorf("unexpected ids: %v", ids)
	}
}

func TestMboxSource_Fetch(t *testing.T) {
	src, err := OpenMbox(writeTestMbox(t))
	if err != nil {
		t.Fatalf("OpenMbox() error = %v", err)
	}
	defer src.Close()

	raw, err := src.Fetch(context.Background(), "mbox-00001")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !strings.Contains(string(raw), "alice@x.com") {
		t.Errorf("fetched message does not contain expected sender:\n%s", raw)
	}

	if _, err := src.Fetch(context.Background(), "mbox-09999"); err == nil {
		t.Error("expected error for unknown message id")
	}
}

func TestOpenMbox_MissingFile(t *testing.T) {
	if _, err := OpenMbox(filepath.Join(t.TempDir(), "absent.mbox")); err == nil {
		t.Error("expected error for missing mbox file")
	}
}
