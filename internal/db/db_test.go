package db

import (
	"testing"

	"github.com/suPer8Hu/ai-chat/internal/logger"
)

func TestDialector(t *testing.T) {
	cases := []struct {
		dsn  string
		want string
	}{
		{"postgres://u:p@localhost:5432/chat", "postgres"},
		{"postgresql://u:p@localhost/chat", "postgres"},
		{"sqlite:chat.db", "sqlite"},
		{"file::memory:", "sqlite"},
		{"app:apppass@tcp(127.0.0.1:3306)/ai_chat?parseTime=true", "mysql"},
	}
	for _, tc := range cases {
		if got := Dialector(tc.dsn).Name(); got != tc.want {
			t.Fatalf("Dialector(%q) = %s, want %s", tc.dsn, got, tc.want)
		}
	}
}

func TestConnect_SQLiteMemory(t *testing.T) {
	gdb, err := Connect("file::memory:", logger.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	defer sqlDB.Close()
	if got := sqlDB.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("sqlite should use one connection, got %d", got)
	}
}
