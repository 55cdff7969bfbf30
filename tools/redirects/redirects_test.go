package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

// inDir runs fn with dir as the working directory.
func inDir(t *testing.T, dir string, fn func()) {
	t.Helper()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err = os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	fn()
}

func TestModulePath(t *testing.T) {
	specs := []struct {
		contents string
		exp      string
		expErr   bool
	}{
		{"module kernos\n\ngo 1.21\n", "kernos", false},
		{"go 1.21\n", "", true},
	}

	for specIndex, spec := range specs {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "go.mod"), spec.contents)

		got, err := modulePath(dir)
		if (err != nil) != spec.expErr {
			t.Errorf("[spec %d] expected error to be %t; got %v", specIndex, spec.expErr, err)
			continue
		}

		if got != spec.exp {
			t.Errorf("[spec %d] expected module path %q; got %q", specIndex, spec.exp, got)
		}
	}

	if _, err := modulePath(t.TempDir()); err == nil {
		t.Error("expected an error when go.mod is missing")
	}
}

func TestFindRedirects(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "kernel/goruntime/bootstrap.go"), `package goruntime

// sysAllocOS is redirected.
//
//go:redirect-from runtime.sysAllocOS
func sysAllocOS(size uintptr) uintptr { return 0 }

func notRedirected() {}
`)
	writeFile(t, filepath.Join(dir, "kernel/goruntime/bootstrap_test.go"), `package goruntime

//go:redirect-from runtime.ignored
func ignored() {}
`)

	inDir(t, dir, func() {
		goFiles, err := collectGoFiles("kernel/")
		if err != nil {
			t.Fatal(err)
		}

		if len(goFiles) != 1 {
			t.Fatalf("expected test files to be skipped; got %v", goFiles)
		}

		redirects, err := findRedirects("kernos", goFiles)
		if err != nil {
			t.Fatal(err)
		}

		if len(redirects) != 1 {
			t.Fatalf("expected 1 redirect; got %d", len(redirects))
		}

		if exp := "runtime.sysAllocOS"; redirects[0].src != exp {
			t.Errorf("expected source symbol %q; got %q", exp, redirects[0].src)
		}

		if exp := "kernos/kernel/goruntime.sysAllocOS"; redirects[0].dst != exp {
			t.Errorf("expected destination symbol %q; got %q", exp, redirects[0].dst)
		}
	})

	t.Run("malformed annotation", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "kernel/kfmt/panic.go"), `package kfmt

//go:redirect-from
func Panic(e interface{}) {}
`)

		inDir(t, dir, func() {
			if _, err := findRedirects("kernos", []string{"kernel/kfmt/panic.go"}); err == nil {
				t.Fatal("expected an error for a redirect without a source symbol")
			}
		})
	})
}

func TestResolveAndWriteRedirectTable(t *testing.T) {
	symbols := []elf.Symbol{
		{Name: "runtime.gopanic", Value: 0x1000},
		{Name: "kernos/kernel/kfmt.Panic", Value: 0x2000},
		{Name: "runtime.sysAllocOS", Value: 0x3000},
	}

	t.Run("resolved", func(t *testing.T) {
		redirects := []*redirect{{src: "runtime.gopanic", dst: "kernos/kernel/kfmt.Panic"}}
		if err := resolveRedirectSymbols(redirects, symbols); err != nil {
			t.Fatal(err)
		}

		var buf bytes.Buffer
		if err := writeRedirectTable(&buf, redirects); err != nil {
			t.Fatal(err)
		}

		exp := make([]byte, 16)
		binary.LittleEndian.PutUint64(exp[0:], 0x1000)
		binary.LittleEndian.PutUint64(exp[8:], 0x2000)
		if !bytes.Equal(buf.Bytes(), exp) {
			t.Fatalf("expected table bytes %x; got %x", exp, buf.Bytes())
		}
	})

	specs := []*redirect{
		{src: "runtime.missing", dst: "kernos/kernel/kfmt.Panic"},
		{src: "runtime.sysAllocOS", dst: "kernos/kernel/goruntime.missing"},
	}

	for specIndex, spec := range specs {
		if err := resolveRedirectSymbols([]*redirect{spec}, symbols); err == nil {
			t.Errorf("[spec %d] expected an unresolved symbol error", specIndex)
		}
	}
}
