package identity

import (
	"context"
	"testing"
)

func TestInMemoryStoreCheck(t *testing.T) {
	s := NewInMemoryStore("RABBIT7X2K9")

	ok, err := s.Check(context.Background(), "RABBIT7X2K9")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !ok {
		t.Fatalf("known identifier should validate")
	}

	ok, err = s.Check(context.Background(), "ZZZZZ00000")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if ok {
		t.Fatalf("unknown identifier should not validate")
	}
}

func TestInMemoryStoreAdd(t *testing.T) {
	s := NewInMemoryStore()
	if ok, _ := s.Check(context.Background(), "LATER123"); ok {
		t.Fatalf("identifier should be absent before Add")
	}
	s.Add("LATER123")
	if ok, _ := s.Check(context.Background(), "LATER123"); !ok {
		t.Fatalf("identifier should be present after Add")
	}
}

func TestNewStoreDefaultsToMemory(t *testing.T) {
	s, err := NewStore(context.Background(), StoreConfig{})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer s.Close()
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want in-memory store", s)
	}
}
