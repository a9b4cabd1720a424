package cmd

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v3"

	"github.com/philasting/assetpipe/pkg"
)

const (
	depsFile   = "DEPS.yml"
	stampsFile = "DEPS.stamps"
)

type depSpec struct {
	Condition  string `yaml:"if,omitempty"`
	Rejections string `yaml:"ifNot,omitempty"`
	URL        string
	Dest       string
	Sha256     string
	Strip      int
	MarkExec   []string `yaml:"markExec,omitempty"`
}

type depConfig struct {
	Vars map[string]string
	Deps map[string]depSpec
}

var fetchDepsCmd = &cobra.Command{
	Use:   "fetch-deps",
	Short: "Downloads and unpacks external tools",
	Long:  `Downloads and unpacks the tools listed in the project's DEPS.yml (i.e. the dart-sass release used by sass()).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		update, err := cmd.Flags().GetBool("update")
		if err != nil {
			return err
		}

		pkg.PrintTask("Loading config")
		wd, err := os.Getwd()
		if err != nil {
			return err
		}

		root, err := pkg.GetProjectRoot(wd)
		if err != nil {
			return err
		}

		cfg, cfgData, stamps, err := getConfig(root)
		if err != nil {
			return err
		}

		pkg.PrintTask("Downloading dependencies")
		fetcher := &depFetcher{
			client:      &http.Client{Timeout: 30 * time.Minute},
			projectRoot: root,
			stamps:      stamps,
			update:      update,
			vars:        hostVars(cfg.Vars),
			newBar:      getProgressBar,
		}
		changes, err := fetcher.fetchAll(cmd.Context(), cfg)

		stampData, jErr := json.MarshalIndent(stamps, "", "  ")
		if jErr != nil {
			pkg.PrintError(jErr.Error())
		} else {
			jErr = os.WriteFile(filepath.Join(root, stampsFile), stampData, 0644)
			if jErr != nil {
				pkg.PrintError(jErr.Error())
			}
		}

		if err == nil && len(changes) > 0 {
			pkg.PrintTask("Updating " + depsFile)
			var updated []byte
			updated, err = updateChecksums(cfgData, changes)
			if err == nil {
				err = os.WriteFile(filepath.Join(root, depsFile), updated, 0644)
			}
		}

		if err != nil {
			return err
		}

		pkg.PrintTask("Done")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchDepsCmd)
	fetchDepsCmd.Flags().BoolP("update", "u", false, "Update checksums")
}

func getProgressBar(length int64, desc string) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

func getConfig(projectRoot string) (depConfig, []byte, map[string]string, error) {
	var cfg depConfig
	cfgPath := filepath.Join(projectRoot, depsFile)
	cfgData, err := os.ReadFile(cfgPath)
	if err != nil {
		return cfg, nil, nil, eris.Wrapf(err, "Could not open file %s.", cfgPath)
	}

	err = yaml.Unmarshal(cfgData, &cfg)
	if err != nil {
		return cfg, nil, nil, eris.Wrapf(err, "Failed to parse %s.", cfgPath)
	}

	stamps := map[string]string{}
	stampPath := filepath.Join(projectRoot, stampsFile)
	stampData, err := os.ReadFile(stampPath)
	if err != nil {
		if !eris.Is(err, os.ErrNotExist) {
			return cfg, nil, nil, eris.Wrapf(err, "Failed to read stamps file %s.", stampPath)
		}
	} else {
		err = json.Unmarshal(stampData, &stamps)
		if err != nil {
			return cfg, nil, nil, eris.Wrapf(err, "Failed to parse JSON file %s.", stampPath)
		}
	}

	return cfg, cfgData, stamps, nil
}

// hostVars extends vars with flags for the current platform
func hostVars(vars map[string]string) map[string]string {
	result := map[string]string{}
	for key, value := range vars {
		result[key] = value
	}

	result[runtime.GOARCH] = "true"
	result[runtime.GOOS] = "true"
	if os.Getenv("CI") == "true" {
		result["ci"] = "true"
	}
	return result
}

var varMatcher = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// evalConditions expands the URL placeholders and reports whether the dependency applies to
// this host
func evalConditions(meta *depSpec, vars map[string]string) bool {
	meta.URL = varMatcher.ReplaceAllStringFunc(meta.URL, func(varName string) string {
		return vars[varName[1:len(varName)-1]]
	})

	for _, condition := range strings.Split(meta.Condition, ",") {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}

		if vars[condition] == "" {
			return false
		}
	}

	for _, condition := range strings.Split(meta.Rejections, ",") {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}

		if vars[condition] != "" {
			return false
		}
	}
	return true
}

type depFetcher struct {
	client      *http.Client
	projectRoot string
	stamps      map[string]string
	update      bool
	vars        map[string]string
	newBar      func(int64, string) *progressbar.ProgressBar
}

// fetchAll downloads every applicable dependency and returns the checksums that changed (in
// update mode) or were recorded for the first time
func (f *depFetcher) fetchAll(ctx context.Context, cfg depConfig) (map[string]string, error) {
	names := make([]string, 0, len(cfg.Deps))
	for name := range cfg.Deps {
		names = append(names, name)
	}
	sort.Strings(names)

	changes := map[string]string{}
	for _, name := range names {
		meta := cfg.Deps[name]
		// conditions are evaluated even in update mode since they also expand the URL placeholders
		skip := !evalConditions(&meta, f.vars)
		if skip && !f.update {
			continue
		}

		digest, err := f.fetch(ctx, name, meta, skip)
		if err != nil {
			return changes, err
		}

		if digest != "" && digest != meta.Sha256 {
			changes[name] = digest
		}
	}

	return changes, nil
}

func (f *depFetcher) fetch(ctx context.Context, name string, meta depSpec, skipExtract bool) (string, error) {
	destPath := filepath.Join(f.projectRoot, meta.Dest)
	destInfo, err := os.Stat(destPath)
	destExists := err == nil

	stampToken := meta.URL + "#" + meta.Sha256
	if stamp, ok := f.stamps[name]; ok && stampToken == stamp && destExists && !f.update {
		return "", nil
	}

	pkg.PrintSubtask(name + ":  " + meta.URL)
	pinning := meta.Sha256 == "" && !f.update
	if pinning {
		pkg.PrintSubtask("No checksum recorded, pinning the downloaded archive")
	}

	arHandle, err := os.CreateTemp("", "assetpipe-deps-*")
	if err != nil {
		return "", eris.Wrap(err, "Failed to create a temporary file")
	}
	defer func() {
		arHandle.Close()
		os.Remove(arHandle.Name())
	}()

	digest, size, err := f.download(ctx, meta.URL, arHandle)
	if err != nil {
		return "", err
	}

	if digest != meta.Sha256 && !pinning {
		if !f.update {
			return "", eris.Errorf("Checksum check failed for %s: expected %s but got %s", name, meta.Sha256, digest)
		}
		pkg.PrintSubtask("Updating checksum")
	}

	if skipExtract {
		return digest, nil
	}

	if destExists {
		pkg.PrintSubtask("Remove " + destPath)
		if destInfo.IsDir() {
			err = os.RemoveAll(destPath)
		} else {
			err = os.Remove(destPath)
		}
		if err != nil {
			return "", err
		}
	}

	extractor, err := getExtractor(meta.URL)
	if err != nil {
		return "", err
	}

	_, err = arHandle.Seek(0, io.SeekStart)
	if err != nil {
		return "", err
	}

	bar := f.newBar(size, "      extract")
	err = extractor(arHandle, bar, f.projectRoot, meta)
	if err != nil {
		return "", err
	}
	bar.Finish()

	if runtime.GOOS != "windows" {
		// .zip files don't carry permissions which means we have to manually fix permissions for binaries in .zip files
		for _, binPath := range meta.MarkExec {
			binPath = filepath.Join(destPath, binPath)
			fi, err := os.Stat(binPath)
			if err != nil {
				return "", eris.Wrapf(err, "Failed to read permissions for %s", binPath)
			}

			err = os.Chmod(binPath, fi.Mode()|0700)
			if err != nil {
				return "", eris.Wrapf(err, "Failed to mark %s as executable", binPath)
			}
		}
	}

	f.stamps[name] = meta.URL + "#" + digest
	return digest, nil
}

func (f *depFetcher) download(ctx context.Context, url string, dest io.Writer) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, eris.Wrapf(err, "Invalid URL %s", url)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, eris.Wrapf(err, "Failed to start download for %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, eris.Errorf("Download of %s failed with status %s", url, resp.Status)
	}

	hash := sha256.New()
	bar := f.newBar(resp.ContentLength, "     download")
	size, err := io.Copy(io.MultiWriter(dest, hash, bar), resp.Body)
	if err != nil {
		return "", 0, eris.Wrapf(err, "Failed during download of %s", url)
	}
	bar.Finish()

	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

// updateChecksums replaces the sha256 values of the named deps in the DEPS.yml document while
// keeping its comments
func updateChecksums(cfgData []byte, changes map[string]string) ([]byte, error) {
	var doc yaml.Node
	err := yaml.Unmarshal(cfgData, &doc)
	if err != nil {
		return nil, eris.Wrap(err, "Failed to parse "+depsFile)
	}

	if len(doc.Content) == 0 {
		return nil, eris.New(depsFile + " is empty")
	}

	deps := mappingValue(doc.Content[0], "deps")
	if deps == nil {
		return nil, eris.New(depsFile + " has no deps section")
	}

	for name, checksum := range changes {
		dep := mappingValue(deps, name)
		if dep == nil || dep.Kind != yaml.MappingNode {
			return nil, eris.Errorf("Failed to find the section for %s!", name)
		}

		value := mappingValue(dep, "sha256")
		if value == nil {
			dep.Content = append(dep.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "sha256"},
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: checksum},
			)
			continue
		}
		value.Value = checksum
	}

	buffer := bytes.Buffer{}
	encoder := yaml.NewEncoder(&buffer)
	encoder.SetIndent(2)
	err = encoder.Encode(&doc)
	if err != nil {
		return nil, eris.Wrap(err, "Failed to encode "+depsFile)
	}
	encoder.Close()

	return buffer.Bytes(), nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node.Kind != yaml.MappingNode {
		return nil
	}

	for idx := 0; idx+1 < len(node.Content); idx += 2 {
		if node.Content[idx].Value == key {
			return node.Content[idx+1]
		}
	}
	return nil
}

type archiveExtractor func(*os.File, *progressbar.ProgressBar, string, depSpec) error

func openExtractorDest(destPath string, item string, ds depSpec) (*os.File, string, error) {
	// normalize the path and strip ds.Strip elements from the beginning
	pathParts := strings.Split(filepath.Clean(filepath.FromSlash(item)), string(filepath.Separator))
	if len(pathParts) <= ds.Strip {
		return nil, "", nil
	}

	dest := filepath.Join(destPath, strings.Join(pathParts[ds.Strip:], string(filepath.Separator)))
	if dest == destPath {
		return nil, "", nil
	}

	rel, err := filepath.Rel(destPath, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, "", eris.Errorf("Archive entry %s points outside of %s", item, destPath)
	}

	destParent := filepath.Dir(dest)
	err = os.MkdirAll(destParent, 0755)
	if err != nil {
		return nil, "", eris.Wrapf(err, "Failed to create directory %s", destParent)
	}

	destHandle, err := os.Create(dest)
	if err != nil {
		return nil, "", eris.Wrapf(err, "Failed to create file %s", dest)
	}

	return destHandle, dest, nil
}

// progressReader reports the position of the archive file to bar
type progressReader struct {
	f   *os.File
	bar *progressbar.ProgressBar
}

func (p progressReader) update() {
	pos, err := p.f.Seek(0, io.SeekCurrent)
	if err == nil {
		p.bar.Set64(pos)
	}
}

func getExtractor(url string) (archiveExtractor, error) {
	switch {
	case strings.HasSuffix(url, ".zip"):
		return extractZip, nil
	case strings.HasSuffix(url, ".tar.gz"), strings.HasSuffix(url, ".tgz"):
		return func(f *os.File, bar *progressbar.ProgressBar, projectRoot string, ds depSpec) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return err
			}
			defer reader.Close()

			return extractTar(reader, progressReader{f, bar}, projectRoot, ds)
		}, nil
	case strings.HasSuffix(url, ".tar.bz2"):
		return func(f *os.File, bar *progressbar.ProgressBar, projectRoot string, ds depSpec) error {
			return extractTar(bzip2.NewReader(f), progressReader{f, bar}, projectRoot, ds)
		}, nil
	case strings.HasSuffix(url, ".tar.xz"):
		return func(f *os.File, bar *progressbar.ProgressBar, projectRoot string, ds depSpec) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return err
			}

			return extractTar(reader, progressReader{f, bar}, projectRoot, ds)
		}, nil
	}

	return nil, eris.Errorf("Archive format of %s not supported", url)
}

func extractZip(f *os.File, bar *progressbar.ProgressBar, projectRoot string, ds depSpec) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	archive, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return err
	}

	destPath := filepath.Join(projectRoot, ds.Dest)
	for idx, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		err = extractZipEntry(item, destPath, ds)
		if err != nil {
			return err
		}

		bar.Set64(stat.Size() * int64(idx+1) / int64(len(archive.File)))
	}

	return nil
}

func extractZipEntry(item *zip.File, destPath string, ds depSpec) error {
	destHandle, dest, err := openExtractorDest(destPath, item.Name, ds)
	if err != nil || destHandle == nil {
		return err
	}
	defer destHandle.Close()

	itemHandle, err := item.Open()
	if err != nil {
		return eris.Wrapf(err, "Failed to open archive entry %s", item.Name)
	}
	defer itemHandle.Close()

	_, err = io.Copy(destHandle, itemHandle)
	if err != nil {
		return eris.Wrapf(err, "Failed to write extracted file %s", dest)
	}

	if mode := item.Mode().Perm(); mode != 0 {
		os.Chmod(dest, mode)
	}
	return destHandle.Close()
}

func extractTar(r io.Reader, progress progressReader, projectRoot string, ds depSpec) error {
	archive := tar.NewReader(r)
	destPath := filepath.Join(projectRoot, ds.Dest)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "Failed to read archive entry")
		}

		fi := item.FileInfo()
		if fi.IsDir() {
			continue
		}

		destHandle, dest, err := openExtractorDest(destPath, item.Name, ds)
		if err != nil {
			return err
		}
		if destHandle == nil {
			continue
		}

		if item.Typeflag == tar.TypeSymlink {
			destHandle.Close()
			err := os.Remove(dest)
			if err != nil {
				return eris.Wrapf(err, "Failed to remove placeholder file %s", dest)
			}

			err = os.Symlink(item.Linkname, dest)
			if err != nil {
				return eris.Wrapf(err, "Failed to create symlink %s pointing to %s", dest, item.Linkname)
			}
			continue
		}

		_, err = io.Copy(destHandle, archive)
		destHandle.Close()
		if err != nil {
			return eris.Wrapf(err, "Failed to write extracted file %s", dest)
		}

		os.Chmod(dest, fi.Mode().Perm())
		progress.update()
	}

	return nil
}
