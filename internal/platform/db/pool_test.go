package db

import (
	"strings"
	"testing"
)

func TestPoolConfig(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		max, min int32
		wantErr  string
		wantApp  string
	}{
		{"tags sessions", "postgres://u:p@db.internal:5432/planflow", 20, 5, "", "planflow"},
		{"url wins", "postgres://u:p@db.internal:5432/planflow?application_name=planflow-cli", 4, 0, "", "planflow-cli"},
		{"listener needs a spare connection", "postgres://u:p@db.internal/planflow", 1, 0, "DB_MAX_CONNS", ""},
		{"min above max", "postgres://u:p@db.internal/planflow", 4, 5, "DB_MIN_CONNS", ""},
		{"bad url", "postgres://u:p@db.internal:notaport/planflow", 20, 5, "DATABASE_URL", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := poolConfig(tt.url, tt.max, tt.min)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cfg.MaxConns != tt.max || cfg.MinConns != tt.min {
				t.Errorf("conns = %d/%d", cfg.MaxConns, cfg.MinConns)
			}
			if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != tt.wantApp {
				t.Errorf("application_name = %q, want %q", got, tt.wantApp)
			}
		})
	}
}
