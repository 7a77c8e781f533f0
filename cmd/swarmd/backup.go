package main

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/swarmdlabs/swarmd/internal/config"
)

// Archive layout: top-level components name the data source so restore can
// map entries back onto the configured paths.
const (
	componentStore = "store"
	componentNATS  = "nats"
)

func runBackup(args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: swarmd backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	entries := 0

	// The sqlite journal and its WAL sidecars.
	for _, p := range journalFiles(cfg.Store.Path) {
		n, err := archiveFile(tw, p, path.Join(componentStore, filepath.Base(p)))
		if err != nil {
			return fmt.Errorf("backup store: %w", err)
		}
		entries += n
	}

	// The NATS store directory.
	n, err := archiveDir(tw, cfg.NATS.DataDir, componentNATS)
	if err != nil {
		return fmt.Errorf("backup nats: %w", err)
	}
	entries += n

	// Close everything explicitly to catch write errors.
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Backup complete: %d entries, %s\n", entries, formatSize(size))
	return nil
}

// journalFiles returns the sqlite file plus any WAL sidecars that exist.
func journalFiles(dbPath string) []string {
	var out []string
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func archiveFile(tw *tar.Writer, src, name string) (int, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}

	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return 0, err
	}
	return 1, nil
}

func archiveDir(tw *tar.Writer, root, prefix string) (int, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return 0, nil
	}

	entries := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = path.Join(prefix, filepath.ToSlash(rel))
		if d.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		entries++

		if d.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	return entries, err
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: swarmd restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	components, err := scanArchiveComponents(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(components) == 0 {
		fmt.Println("Archive contains no data.")
		return nil
	}

	if !overwrite {
		for _, comp := range components {
			target := componentTarget(cfg, comp, "")
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%s already exists, add -overwrite to replace files", target)
			}
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := 0

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		comp, rel := splitArchivePath(hdr.Name)
		if comp == "" {
			continue
		}
		target := componentTarget(cfg, comp, rel)

		if hdr.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
			restored++
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", target, err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode))
		if err != nil {
			return fmt.Errorf("create %s: %w", target, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("write %s: %w", target, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("close %s: %w", target, err)
		}
		restored++
	}

	fmt.Printf("Restore complete: %d entries\n", restored)
	return nil
}

// componentTarget maps an archive component + relative path onto the
// configured filesystem location.
func componentTarget(cfg *config.Config, comp, rel string) string {
	switch comp {
	case componentStore:
		dir := filepath.Dir(cfg.Store.Path)
		if rel == "" || rel == "./" {
			return cfg.Store.Path
		}
		return filepath.Join(dir, filepath.FromSlash(rel))
	case componentNATS:
		if rel == "" || rel == "./" {
			return cfg.NATS.DataDir
		}
		return filepath.Join(cfg.NATS.DataDir, filepath.FromSlash(rel))
	default:
		return ""
	}
}

// scanArchiveComponents reads tar headers to collect unique top-level
// components without extracting file data.
func scanArchiveComponents(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	seen := make(map[string]bool)
	var names []string

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		comp, _ := splitArchivePath(hdr.Name)
		if comp != "" && !seen[comp] {
			seen[comp] = true
			names = append(names, comp)
		}
	}

	return names, nil
}

// splitArchivePath splits "store/swarmd.db" into ("store", "swarmd.db").
// Unknown components and path-traversal entries yield empty strings.
func splitArchivePath(name string) (comp, rel string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		comp, rel = name, "./"
	} else {
		comp, rel = name[:idx], name[idx+1:]
		if rel == "" {
			rel = "./"
		}
	}

	if comp != componentStore && comp != componentNATS {
		return "", ""
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return "", ""
		}
	}
	return comp, rel
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
