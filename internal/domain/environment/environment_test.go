package environment

import (
	"errors"
	"testing"
	"time"

	"github.com/youlyank/corebase/internal/domain"
)

func TestState_Terminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateProvisioning, false},
		{StateRunning, false},
		{StatePaused, false},
		{StateStopping, false},
		{StateStopped, true},
		{StateError, true},
	}

	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Fatalf("Terminal(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestTemplate_Validate(t *testing.T) {
	valid := Template{Name: "go-1.25", Image: "corebase/go:1.25", MemoryMB: 512, CPUQuota: 1000, PidsLimit: 128, NetworkMode: "none", PoolMax: 4, Prewarm: 2}

	tests := []struct {
		name    string
		mutate  func(*Template)
		wantErr string
	}{
		{name: "valid", mutate: func(*Template) {}},
		{name: "missing name", mutate: func(tpl *Template) { tpl.Name = "" }, wantErr: "template name is required"},
		{name: "missing image", mutate: func(tpl *Template) { tpl.Image = "" }, wantErr: "template image is required"},
		{name: "zero memory", mutate: func(tpl *Template) { tpl.MemoryMB = 0 }, wantErr: "memory_mb must be > 0"},
		{name: "negative cpu", mutate: func(tpl *Template) { tpl.CPUQuota = -1 }, wantErr: "cpu_quota must be > 0"},
		{name: "zero pool max", mutate: func(tpl *Template) { tpl.PoolMax = 0 }, wantErr: "pool_max must be >= 1"},
		{name: "prewarm above pool", mutate: func(tpl *Template) { tpl.Prewarm = 5 }, wantErr: "prewarm must be <= pool_max"},
		{name: "negative prewarm", mutate: func(tpl *Template) { tpl.Prewarm = -1 }, wantErr: "prewarm must be >= 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := valid
			tt.mutate(&tpl)
			err := tpl.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestExecRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     ExecRequest
		wantErr bool
	}{
		{name: "valid", req: ExecRequest{Argv: []string{"go", "test"}, Timeout: time.Minute}},
		{name: "empty argv", req: ExecRequest{Timeout: time.Minute}, wantErr: true},
		{name: "empty argv0", req: ExecRequest{Argv: []string{""}, Timeout: time.Minute}, wantErr: true},
		{name: "negative timeout", req: ExecRequest{Argv: []string{"ls"}, Timeout: -time.Second}, wantErr: true},
		{name: "zero timeout uses default", req: ExecRequest{Argv: []string{"ls"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				if !errors.Is(err, domain.ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
