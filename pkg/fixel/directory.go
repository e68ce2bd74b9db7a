package fixel

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// A fixel directory contains a per-voxel "index" image (fixel count and
// offset), a "directions" image, and one scalar data file per quantity of
// interest, each holding one value per template fixel. The voxel image
// formats themselves are the concern of external tooling; the analysis
// commands only consume per-fixel scalar data files, stored as plain text
// with one value per line in external index order.

// ReadDataFile reads a per-fixel scalar data file: one floating point value
// per line, one line per template fixel.
func ReadDataFile(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open fixel data file: %w", err)
	}
	defer f.Close()

	var values []float64
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: line %d: invalid value %q", path, line, text)
		}
		values = append(values, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fixel data file %s: %w", path, err)
	}
	return values, nil
}

// WriteDataFile writes one value per template fixel in external index order.
// The data slice is indexed by internal index; fixels excluded by the
// remapper are written as NaN so that fixel correspondence with the template
// is retained in the output directory.
func WriteDataFile(path string, data []float64, remapper *IndexRemapper) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create fixel data file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for external := Index(0); external != remapper.NumExternal(); external++ {
		internal := remapper.ExternalToInternal(external)
		value := math.NaN()
		if internal != Invalid {
			value = data[internal]
		}
		if _, err := fmt.Fprintf(w, "%g\n", value); err != nil {
			return fmt.Errorf("failed to write fixel data file %s: %w", path, err)
		}
	}
	return w.Flush()
}

// ReadMask reads a per-fixel data file and interprets it as a processing
// mask: values greater than 0.5 select the fixel. The file must contain
// exactly numFixels values.
func ReadMask(path string, numFixels Index) ([]bool, error) {
	values, err := ReadDataFile(path)
	if err != nil {
		return nil, err
	}
	if Index(len(values)) != numFixels {
		return nil, fmt.Errorf("fixel mask %s contains %d values; template has %d fixels",
			path, len(values), numFixels)
	}
	mask := make([]bool, len(values))
	for i, v := range values {
		mask[i] = v > 0.5
	}
	return mask, nil
}

// ReadSubjectList reads a text file listing one subject data filename per
// line, in the same order as the rows of the design matrix.
func ReadSubjectList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open subject list: %w", err)
	}
	defer f.Close()

	var subjects []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name != "" {
			subjects = append(subjects, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subject list %s: %w", path, err)
	}
	if len(subjects) == 0 {
		return nil, fmt.Errorf("subject list %s is empty", path)
	}
	return subjects, nil
}

// FindSubjectFile resolves a subject data filename either relative to the
// fixel template directory or as given.
func FindSubjectFile(fixelDir, name string) (string, error) {
	joined := filepath.Join(fixelDir, name)
	if _, err := os.Stat(joined); err == nil {
		return joined, nil
	}
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	return "", fmt.Errorf("unable to find subject file %q in fixel directory %q or as given", name, fixelDir)
}

// CopyIndexAndDirections copies the template index and directions files into
// the output fixel directory, creating it if necessary. This is done before
// any statistical computation begins, so that the output directory metadata
// is in a consistent state regardless of whether the computation later fails.
func CopyIndexAndDirections(inputDir, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output fixel directory: %w", err)
	}
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return fmt.Errorf("failed to read fixel directory: %w", err)
	}
	copied := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base := entry.Name()
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		if stem != "index" && stem != "directions" {
			continue
		}
		if err := copyFile(filepath.Join(inputDir, base), filepath.Join(outputDir, base)); err != nil {
			return err
		}
		copied++
	}
	if copied == 0 {
		return fmt.Errorf("fixel directory %q contains no index or directions file", inputDir)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return nil
}
