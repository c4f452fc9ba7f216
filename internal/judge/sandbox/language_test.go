package sandbox

import (
	"reflect"
	"testing"

	pkgerrors "arbiter/pkg/errors"
)

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)

	spec, err := reg.Lookup("cpp")
	if err != nil {
		t.Fatalf("Lookup(cpp): %v", err)
	}
	if spec.SourceFile != "main.cpp" || !spec.CompileEnabled {
		t.Errorf("unexpected cpp spec: %+v", spec)
	}

	if _, err := reg.Lookup("  Python  "); err != nil {
		t.Errorf("lookup should trim and lowercase, got %v", err)
	}

	_, err = reg.Lookup("brainfuck")
	if pkgerrors.GetCode(err) != pkgerrors.LanguageNotSupported {
		t.Errorf("expected LanguageNotSupported, got %v", err)
	}
}

func TestRegistryIDsSorted(t *testing.T) {
	t.Parallel()

	reg := NewRegistry([]LanguageSpec{
		{ID: "python", SourceFile: "main.py", RunCmdTpl: "python3 {src}"},
		{ID: "cpp", SourceFile: "main.cpp", RunCmdTpl: "{bin}"},
	})
	want := []string{"cpp", "python"}
	if got := reg.IDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}
}

func TestBuildCommand(t *testing.T) {
	t.Parallel()

	lang := LanguageSpec{
		ID:         "cpp",
		SourceFile: "main.cpp",
		BinaryFile: "main",
	}

	tests := []struct {
		name       string
		tpl        string
		extraFlags []string
		want       []string
		wantErr    bool
	}{
		{
			name: "placeholders expand",
			tpl:  "g++ -O2 -o {bin} {src}",
			want: []string{"g++", "-O2", "-o", "/work/main", "/work/main.cpp"},
		},
		{
			name:       "extra flags join",
			tpl:        "g++ {extraFlags} -o {bin} {src}",
			extraFlags: []string{"-Wall", "-Wextra"},
			want:       []string{"g++", "-Wall", "-Wextra", "-o", "/work/main", "/work/main.cpp"},
		},
		{
			name: "absent extra flags leave no hole",
			tpl:  "g++ {extraFlags} {src}",
			want: []string{"g++", "/work/main.cpp"},
		},
		{
			name: "quoted arguments survive",
			tpl:  `sh -c "echo hi"`,
			want: []string{"sh", "-c", "echo hi"},
		},
		{
			name:    "empty template rejected",
			tpl:     "   ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := BuildCommand(tt.tpl, lang, tt.extraFlags)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildCommand: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildCommand() = %v, want %v", got, tt.want)
			}
		})
	}
}
