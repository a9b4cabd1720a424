// Package stream implements the in-memory files that flow through a pipe, together with
// the glob based source reader and the destination writer.
package stream

import (
	"os"
	"path"
	"strings"
	"time"
)

// File is a single file flowing through a pipe
type File struct {
	// Base is the directory Path is relative to. For files read by Src this is the glob parent.
	Base string
	// Path is relative to Base and always uses forward slashes
	Path     string
	Contents []byte
	Mode     os.FileMode
	ModTime  time.Time

	// RevOrigPath is the Path the file had before it was renamed by the rev step
	RevOrigPath string
	// Hash is the content hash assigned by the rev step
	Hash string
	// Deps lists other files (absolute paths) the contents were built from, like included fragments
	Deps []string
}

// Clone returns a copy of f. The contents are shared.
func (f *File) Clone() *File {
	c := *f
	c.Deps = append([]string(nil), f.Deps...)
	return &c
}

// AddDep records that the contents of f depend on the file at path
func (f *File) AddDep(path string) {
	for _, dep := range f.Deps {
		if dep == path {
			return
		}
	}
	f.Deps = append(f.Deps, path)
}

// Ext returns the extension of the file including the leading dot
func (f *File) Ext() string {
	return path.Ext(f.Path)
}

// Stem returns the file name without directory and extension
func (f *File) Stem() string {
	base := path.Base(f.Path)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Dir returns the directory part of Path ("." for top-level files)
func (f *File) Dir() string {
	return path.Dir(f.Path)
}

// SetExt replaces the extension of the file
func (f *File) SetExt(ext string) {
	f.Path = strings.TrimSuffix(f.Path, path.Ext(f.Path)) + ext
}

// Rename builds a new Path from its parts
func (f *File) Rename(dir, stem, ext string) {
	f.Path = path.Join(dir, stem+ext)
}

// Filter returns the files for which keep returns true
func Filter(files []*File, keep func(*File) bool) []*File {
	result := make([]*File, 0, len(files))
	for _, f := range files {
		if keep(f) {
			result = append(result, f)
		}
	}

	return result
}
