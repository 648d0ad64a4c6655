package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		items   []Item
		wantErr error
	}{
		{name: "empty list", items: nil},
		{name: "one in progress", items: []Item{
			{ID: "1", Content: "plan", Status: StatusCompleted},
			{ID: "2", Content: "build", Status: StatusInProgress, Priority: PriorityHigh},
			{ID: "3", Content: "test", Status: StatusPending},
		}},
		{name: "two in progress", items: []Item{
			{ID: "1", Content: "a", Status: StatusInProgress},
			{ID: "2", Content: "b", Status: StatusInProgress},
		}, wantErr: ErrMultipleInProgress},
		{name: "unknown status", items: []Item{{ID: "1", Content: "a", Status: "done"}}, wantErr: ErrInvalidItem},
		{name: "unknown priority", items: []Item{{ID: "1", Content: "a", Status: StatusPending, Priority: "urgent"}}, wantErr: ErrInvalidItem},
		{name: "blank content", items: []Item{{ID: "1", Content: "  ", Status: StatusPending}}, wantErr: ErrInvalidItem},
		{name: "duplicate ids", items: []Item{
			{ID: "1", Content: "a", Status: StatusPending},
			{ID: "1", Content: "b", Status: StatusPending},
		}, wantErr: ErrInvalidItem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.items)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIncomplete(t *testing.T) {
	items := []Item{
		{ID: "1", Content: "a", Status: StatusCompleted},
		{ID: "2", Content: "b", Status: StatusPending},
		{ID: "3", Content: "c", Status: StatusCancelled},
		{ID: "4", Content: "d", Status: StatusInProgress},
	}
	got := Incomplete(items)
	if len(got) != 2 || got[0].ID != "2" || got[1].ID != "4" {
		t.Errorf("Incomplete() = %+v", got)
	}
	if Incomplete(items[:1]) != nil {
		t.Error("all-done list reported incomplete items")
	}
}

func TestWriterReplacesWholesale(t *testing.T) {
	var changes []int
	w := NewWriter(NewMemoryStore(), func(_ string, items []Item) { changes = append(changes, len(items)) })
	ctx := context.Background()

	first, err := w.Write(ctx, "s1", []Item{
		{Content: "a", Status: StatusInProgress},
		{Content: "b", Status: StatusPending},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	for _, item := range first {
		if item.ID == "" || item.Priority != PriorityMedium {
			t.Errorf("item not normalized: %+v", item)
		}
	}

	if _, err := w.Write(ctx, "s1", []Item{{ID: "x", Content: "only", Status: StatusCompleted}}); err != nil {
		t.Fatal(err)
	}
	got, _ := w.Read(ctx, "s1")
	if len(got) != 1 || got[0].ID != "x" {
		t.Errorf("list not replaced: %+v", got)
	}

	// A rejected write leaves the stored list alone.
	_, err = w.Write(ctx, "s1", []Item{
		{Content: "a", Status: StatusInProgress},
		{Content: "b", Status: StatusInProgress},
	})
	if !errors.Is(err, ErrMultipleInProgress) {
		t.Fatalf("error = %v", err)
	}
	got, _ = w.Read(ctx, "s1")
	if len(got) != 1 || got[0].ID != "x" {
		t.Errorf("rejected write changed list: %+v", got)
	}

	if len(changes) != 2 {
		t.Errorf("onChange called %d times, want 2", len(changes))
	}

	other, _ := w.Read(ctx, "s2")
	if other != nil {
		t.Errorf("unwritten session = %+v, want nil", other)
	}
}

func TestWriterConcurrentWritesStayValid(t *testing.T) {
	w := NewWriter(NewMemoryStore(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			items := make([]Item, 5)
			for j := range items {
				items[j] = Item{ID: fmt.Sprintf("%d-%d", i, j), Content: "work", Status: StatusPending}
			}
			items[i%5].Status = StatusInProgress
			if _, err := w.Write(ctx, "shared", items); err != nil {
				t.Errorf("Write: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := w.Read(ctx, "shared")
	if len(got) != 5 {
		t.Fatalf("final list has %d items", len(got))
	}
	if err := Validate(got); err != nil {
		t.Errorf("final list invalid: %v", err)
	}
	// Every item comes from the same write.
	prefix := got[0].ID[:len(got[0].ID)-2]
	for _, item := range got {
		if item.ID[:len(item.ID)-2] != prefix {
			t.Errorf("items from different writes interleaved: %+v", got)
			break
		}
	}
}

func TestWriterForget(t *testing.T) {
	w := NewWriter(nil, nil)
	ctx := context.Background()
	if _, err := w.Write(ctx, "s1", []Item{{Content: "a", Status: StatusPending}}); err != nil {
		t.Fatal(err)
	}
	if err := w.Forget(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := w.Read(ctx, "s1"); got != nil {
		t.Errorf("list survived Forget: %+v", got)
	}
	if _, err := w.Write(ctx, "", nil); err == nil {
		t.Error("empty session id accepted")
	}
}
