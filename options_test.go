package ptysession

import (
	"errors"
	"testing"
)

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "defaults", opts: DefaultOptions()},
		{name: "zero cols", opts: Options{Cols: 0, Rows: 40, Backend: ConPTY}, wantErr: true},
		{name: "zero rows", opts: Options{Cols: 80, Rows: 0, Backend: ConPTY}, wantErr: true},
		{name: "negative cols", opts: Options{Cols: -1, Rows: 40, Backend: ConPTY}, wantErr: true},
		{name: "cols too large", opts: Options{Cols: maxDimension + 1, Rows: 40, Backend: ConPTY}, wantErr: true},
		{name: "rows too large", opts: Options{Cols: 80, Rows: maxDimension + 1, Backend: ConPTY}, wantErr: true},
		{name: "max valid dimension", opts: Options{Cols: maxDimension, Rows: maxDimension, Backend: WinPTY}},
		{name: "unknown backend", opts: Options{Cols: 80, Rows: 40, Backend: Backend(99)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidConfiguration) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfiguration", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestBackendString(t *testing.T) {
	tests := []struct {
		b    Backend
		want string
	}{
		{ConPTY, "conpty"},
		{WinPTY, "winpty"},
		{Backend(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.b.String(); got != tt.want {
			t.Fatalf("Backend(%d).String() = %q, want %q", tt.b, got, tt.want)
		}
	}
}

func TestDefaultOptionsIsValid(t *testing.T) {
	if err := DefaultOptions().Validate(); err != nil {
		t.Fatalf("DefaultOptions().Validate() = %v, want nil", err)
	}
}
