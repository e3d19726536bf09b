package history

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T, clock func() time.Time) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:history_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&AlertRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestInsertIsIdempotentByMessageID(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	created, err := store.Insert(ctx, &AlertRecord{MessageID: "mobile:n1", Source: "android:whatsapp", Sender: "Mom", Urgency: "URGENT", Reason: "first"})
	if err != nil || !created {
		t.Fatalf("expected first insert to create, got %v %v", created, err)
	}
	created, err = store.Insert(ctx, &AlertRecord{MessageID: "mobile:n1", Source: "android:whatsapp", Sender: "Mom", Urgency: "NOT_URGENT", Reason: "second"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Fatalf("expected duplicate insert to be ignored")
	}

	record, ok, err := store.Find(ctx, "mobile:n1")
	if err != nil || !ok {
		t.Fatalf("expected record, got %v %v", ok, err)
	}
	if record.Urgency != "URGENT" || record.Reason != "first" {
		t.Fatalf("expected original verdict retained, got %+v", record)
	}
}

func TestInsertTruncatesPreview(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	long := strings.Repeat("ü", 700)
	if _, err := store.Insert(ctx, &AlertRecord{MessageID: "m-long", Source: "android:slack", Sender: "ops", TextPreview: long, Urgency: "NOT_URGENT", Reason: "x"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	record, _, err := store.Find(ctx, "m-long")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got := len([]rune(record.TextPreview)); got != TextPreviewLimit {
		t.Fatalf("expected preview of %d runes, got %d", TextPreviewLimit, got)
	}
}

func TestClaimSMSIsExclusiveUntilCompletedOrStale(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, func() time.Time { return now })
	ctx := context.Background()

	if _, err := store.Insert(ctx, &AlertRecord{MessageID: "m1", Source: "android:whatsapp", Sender: "Mom", Urgency: "URGENT", Reason: "r"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	claimed, err := store.ClaimSMS(ctx, "m1", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("expected first claim, got %v %v", claimed, err)
	}
	claimed, err = store.ClaimSMS(ctx, "m1", time.Minute)
	if err != nil || claimed {
		t.Fatalf("expected second claim to fail, got %v %v", claimed, err)
	}

	now = now.Add(2 * time.Minute)
	claimed, err = store.ClaimSMS(ctx, "m1", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("expected stale claim to be retaken, got %v %v", claimed, err)
	}

	if err := store.CompleteSMS(ctx, "m1", true, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	claimed, err = store.ClaimSMS(ctx, "m1", time.Minute)
	if err != nil || claimed {
		t.Fatalf("expected sent record to be unclaimable, got %v %v", claimed, err)
	}
	sent, err := store.SMSSent(ctx, "m1")
	if err != nil || !sent {
		t.Fatalf("expected sms sent, got %v %v", sent, err)
	}
}

func TestListFiltersAndPaginates(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		urgency := "NOT_URGENT"
		if i%5 == 0 {
			urgency = "URGENT"
		}
		source := "android:whatsapp"
		if i%2 == 1 {
			source = "android:slack"
		}
		record := &AlertRecord{
			MessageID:   fmt.Sprintf("m-%02d", i),
			Source:      source,
			Sender:      fmt.Sprintf("sender-%02d", i),
			TextPreview: fmt.Sprintf("text %02d", i),
			Urgency:     urgency,
			Reason:      "r",
		}
		if _, err := store.Insert(ctx, record); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	page, err := store.List(ctx, Query{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 25 || len(page.Records) != DefaultPageSize || page.TotalPages != 2 {
		t.Fatalf("unexpected first page %+v", page)
	}
	if page.Records[0].MessageID != "m-24" {
		t.Fatalf("expected newest first, got %s", page.Records[0].MessageID)
	}

	urgent, err := store.List(ctx, Query{Urgency: "urgent"})
	if err != nil {
		t.Fatalf("list urgent: %v", err)
	}
	if urgent.Total != 5 {
		t.Fatalf("expected 5 urgent records, got %d", urgent.Total)
	}

	slack, err := store.List(ctx, Query{Source: "android:slack", Search: "SENDER-1"})
	if err != nil {
		t.Fatalf("list slack: %v", err)
	}
	for _, record := range slack.Records {
		if record.Source != "android:slack" || !strings.HasPrefix(record.Sender, "sender-1") {
			t.Fatalf("unexpected filtered record %+v", record)
		}
	}
	if slack.Total != 5 {
		t.Fatalf("expected 5 slack records from sender-1x, got %d", slack.Total)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Total != 25 || counts.Urgent != 5 || counts.SMSSent != 0 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}
