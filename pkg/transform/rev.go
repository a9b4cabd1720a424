package transform

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/philasting/assetpipe/pkg/manifest"
	"github.com/philasting/assetpipe/pkg/stream"
)

// HashLength is the default number of hex characters of the content hash added by Rev
const HashLength = 10

var revHashRe = regexp.MustCompile(`-[0-9a-f]{6,32}`)

// ContentHash returns the rev hash for data
func ContentHash(data []byte) string {
	return contentHash(data, HashLength)
}

func contentHash(data []byte, length int) string {
	sum := md5.Sum(data)
	digest := hex.EncodeToString(sum[:])
	if length <= 0 || length > len(digest) {
		length = HashLength
	}

	return digest[:length]
}

// Rev appends a content hash to every file name: site.css becomes site-0123456789.css
type Rev struct {
	// Length is the number of hash characters (6 to 32, defaults to HashLength)
	Length int
}

func (Rev) Name() string {
	return "rev"
}

func (r Rev) Apply(ctx context.Context, files []*stream.File) ([]*stream.File, error) {
	if r.Length != 0 && (r.Length < 6 || r.Length > 32) {
		return nil, eris.Errorf("rev: hash length %d is outside of 6..32", r.Length)
	}

	return eachFile(ctx, r.Name(), files, nil, func(f *stream.File) error {
		hash := contentHash(f.Contents, r.Length)
		if f.RevOrigPath == "" {
			f.RevOrigPath = f.Path
		}

		f.Hash = hash
		f.Rename(f.Dir(), f.Stem()+"-"+hash, f.Ext())
		return nil
	})
}

// Rename rewrites file paths. Empty fields leave the corresponding part untouched.
type Rename struct {
	Dirname  string
	Basename string
	Prefix   string
	Suffix   string
	Extname  string
}

func (Rename) Name() string {
	return "rename"
}

func (r Rename) Apply(ctx context.Context, files []*stream.File) ([]*stream.File, error) {
	return eachFile(ctx, r.Name(), files, nil, func(f *stream.File) error {
		dir := f.Dir()
		if r.Dirname != "" {
			dir = path.Clean(r.Dirname)
			if strings.HasPrefix(dir, "..") || path.IsAbs(dir) {
				return eris.Errorf("dirname %s must stay inside the destination", r.Dirname)
			}
		}

		stem := f.Stem()
		if r.Basename != "" {
			stem = r.Basename
		}

		ext := f.Ext()
		if r.Extname != "" {
			ext = r.Extname
		}

		f.Rename(dir, r.Prefix+stem+r.Suffix, ext)
		return nil
	})
}

// RevCollect replaces references to original asset paths with their hashed versions as
// recorded in a rev manifest.
type RevCollect struct {
	// Manifest is the path of the manifest file
	Manifest string
	// ReplaceReved also replaces references to older hashed versions of an asset
	ReplaceReved bool
}

func (RevCollect) Name() string {
	return "rev_collect"
}

type revMatch struct {
	start, end int
	value      string
}

func isNameByte(c byte) bool {
	return c == '_' || c == '-' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// atBoundary reports whether src[start:end] is a complete path reference and not part of
// a longer file name.
func atBoundary(src string, start, end int) bool {
	if start > 0 {
		c := src[start-1]
		if isNameByte(c) || c == '.' {
			return false
		}
	}

	if end < len(src) {
		c := src[end]
		if isNameByte(c) {
			return false
		}
		if c == '.' && end+1 < len(src) && isNameByte(src[end+1]) {
			return false
		}
	}

	return true
}

type revPattern struct {
	key   string
	value string
	reved *regexp.Regexp
}

func buildRevPatterns(entries map[string]string, replaceReved bool) []revPattern {
	patterns := make([]revPattern, 0, len(entries))
	for _, key := range manifest.Keys(entries) {
		p := revPattern{key: key, value: entries[key]}
		if replaceReved {
			loc := revHashRe.FindAllStringIndex(p.value, -1)
			if len(loc) > 0 {
				last := loc[len(loc)-1]
				expr := regexp.QuoteMeta(p.value[:last[0]]) +
					fmt.Sprintf(`-[0-9a-f]{%d}`, last[1]-last[0]-1) +
					regexp.QuoteMeta(p.value[last[1]:])
				p.reved = regexp.MustCompile(expr)
			}
		}
		patterns = append(patterns, p)
	}

	return patterns
}

// collect rewrites src using patterns. Overlapping matches are resolved in favour of the
// earliest and then the longest one.
func collect(src string, patterns []revPattern) string {
	matches := make([]revMatch, 0)
	for _, p := range patterns {
		offset := 0
		for {
			idx := strings.Index(src[offset:], p.key)
			if idx == -1 {
				break
			}

			start := offset + idx
			end := start + len(p.key)
			if atBoundary(src, start, end) {
				matches = append(matches, revMatch{start, end, p.value})
			}
			offset = start + 1
		}

		if p.reved != nil {
			for _, loc := range p.reved.FindAllStringIndex(src, -1) {
				if atBoundary(src, loc[0], loc[1]) {
					matches = append(matches, revMatch{loc[0], loc[1], p.value})
				}
			}
		}
	}

	if len(matches) == 0 {
		return src
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].start != matches[j].start {
			return matches[i].start < matches[j].start
		}
		return matches[i].end > matches[j].end
	})

	var out strings.Builder
	pos := 0
	for _, m := range matches {
		if m.start < pos {
			continue
		}

		out.WriteString(src[pos:m.start])
		out.WriteString(m.value)
		pos = m.end
	}
	out.WriteString(src[pos:])

	return out.String()
}

func (rc RevCollect) Apply(ctx context.Context, files []*stream.File) ([]*stream.File, error) {
	if rc.Manifest == "" {
		return nil, eris.New("rev_collect: no manifest configured")
	}

	entries, err := manifest.Open(rc.Manifest).Entries()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return files, nil
	}

	patterns := buildRevPatterns(entries, rc.ReplaceReved)
	return eachFile(ctx, rc.Name(), files, isText, func(f *stream.File) error {
		f.Contents = []byte(collect(string(f.Contents), patterns))
		return nil
	})
}
