// Package source fetches application source trees and packs them into build contexts.
package source

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/pkg/archive"
	"github.com/moby/patternmatcher/ignorefile"
)

// DockerfileName is the reserved context path of the generated build definition.
const DockerfileName = ".lighthouse.Dockerfile"

const ignoreFileName = ".dockerignore"

// IgnorePatterns reads the context's ignore list. A missing file yields no patterns.
func IgnorePatterns(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ignoreFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", ignoreFileName, err)
	}
	defer f.Close()
	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ignoreFileName, err)
	}
	return patterns, nil
}

// Context packs dir as a build context with dockerfile stored under DockerfileName.
// Any file already at that path in dir is replaced. The context's ignore list
// names DockerfileName, so the engine drops it after reading it and it never
// reaches the image.
func Context(dir string, dockerfile string) (io.ReadCloser, error) {
	patterns, err := IgnorePatterns(dir)
	if err != nil {
		return nil, err
	}
	ignore, err := ignoreFile(dir)
	if err != nil {
		return nil, err
	}
	tree, err := archive.TarWithOptions(dir, &archive.TarOptions{ExcludePatterns: patterns})
	if err != nil {
		return nil, fmt.Errorf("failed to create build context: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer tree.Close()
		pw.CloseWithError(appendGenerated(pw, tree, dockerfile, ignore))
	}()
	return pr, nil
}

// ignoreFile returns the ignore list of dir with DockerfileName added.
func ignoreFile(dir string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, ignoreFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", ignoreFileName, err)
	}
	var buf bytes.Buffer
	buf.Write(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString(DockerfileName + "\n")
	return buf.Bytes(), nil
}

func appendGenerated(w io.Writer, tree io.Reader, dockerfile string, ignore []byte) error {
	tr := tar.NewReader(tree)
	tw := tar.NewWriter(w)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read build context: %w", err)
		}
		if name := filepath.Clean(hdr.Name); name == DockerfileName || name == ignoreFileName {
			continue
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("error writing tar header for %s: %w", hdr.Name, err)
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return fmt.Errorf("error copying %s into build context: %w", hdr.Name, err)
		}
	}
	if err := writeEntry(tw, ignoreFileName, ignore); err != nil {
		return err
	}
	if err := writeEntry(tw, DockerfileName, []byte(dockerfile)); err != nil {
		return err
	}
	return tw.Close()
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  time.Unix(0, 0),
	}); err != nil {
		return fmt.Errorf("error writing tar header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("error writing %s: %w", name, err)
	}
	return nil
}
