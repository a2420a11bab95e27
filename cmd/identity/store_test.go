package identity

import (
	"context"
	"testing"
)

func TestNormalizeUsername(t *testing.T) {
	cases := map[string]string{
		"  Alice ": "alice",
		"BOB":      "bob",
		"carol":    "carol",
		"":         "",
	}
	for in, want := range cases {
		if got := NormalizeUsername(in); got != want {
			t.Errorf("NormalizeUsername(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMemoryStoreCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	u, err := store.CreateUser(ctx, CreateUserInput{Username: "Alice", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == "" || u.UsernameNorm != "alice" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if u.PasswordHash == "" || u.PasswordHash == "correct horse battery" {
		t.Fatal("password must be stored hashed")
	}

	got, err := store.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("lookup mismatch: %q != %q", got.ID, u.ID)
	}

	if _, err := store.GetUserByID(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("GetUserByID(missing) = %v, want not found", err)
	}
}

func TestMemoryStoreUsernameConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.CreateUser(ctx, CreateUserInput{Username: "alice", Password: "correct horse battery"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	// Conflicts are case-insensitive.
	_, err := store.CreateUser(ctx, CreateUserInput{Username: " ALICE", Password: "correct horse battery"})
	if !IsConflict(err) {
		t.Fatalf("CreateUser duplicate = %v, want conflict", err)
	}
}

func TestCreateUserInvalidInput(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.CreateUser(ctx, CreateUserInput{Username: "  ", Password: "correct horse battery"}); !IsInvalidInput(err) {
		t.Fatalf("blank username = %v, want invalid input", err)
	}
	if _, err := store.CreateUser(ctx, CreateUserInput{Username: "bob", Password: "short"}); !IsInvalidInput(err) {
		t.Fatalf("short password = %v, want invalid input", err)
	}
}

func TestVerifyPassword(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	u, err := store.CreateUser(ctx, CreateUserInput{Username: "alice", Password: "correct horse battery"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	ok, err := VerifyPassword("correct horse battery", u.PasswordHash)
	if err != nil || !ok {
		t.Fatalf("VerifyPassword(correct) = %v, %v", ok, err)
	}
	ok, err = VerifyPassword("wrong password!!", u.PasswordHash)
	if err != nil || ok {
		t.Fatalf("VerifyPassword(wrong) = %v, %v", ok, err)
	}

	if _, err := VerifyPassword("whatever!", "not-a-phc-string"); err == nil {
		t.Fatal("VerifyPassword must reject malformed hashes")
	}
}
