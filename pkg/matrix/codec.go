package matrix

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Comeylo/mrtrix3/pkg/fixel"
)

// The connectivity matrix is persisted as UTF-8 text with one line per
// template fixel in external index order. Each line is a comma-separated
// list of target:value pairs; an empty line denotes a fixel with no
// connections. Initial matrices store integer streamline counts, normalized
// matrices store floating-point weights.

// ErrMalformedEntry indicates that a persisted connectivity matrix contains
// a token that is not a valid target:value pair. Errors wrapping it identify
// the offending line and token.
var ErrMalformedEntry = errors.New("matrix: malformed connectivity matrix entry")

// SaveInit writes the initial count-weighted matrix to path.
func SaveInit(m InitMatrix, path string) error {
	return save(path, len(m), func(w *bufio.Writer, i int) {
		for j, e := range m[i].Elements {
			if j > 0 {
				w.WriteByte(',')
			}
			fmt.Fprintf(w, "%d:%d", e.Index, e.Count)
		}
	})
}

// SaveNorm writes the normalized matrix to path.
func SaveNorm(m NormMatrix, path string) error {
	return save(path, len(m), func(w *bufio.Writer, i int) {
		for j, e := range m[i].Elements {
			if j > 0 {
				w.WriteByte(',')
			}
			w.WriteString(strconv.FormatUint(uint64(e.Index), 10))
			w.WriteByte(':')
			w.WriteString(strconv.FormatFloat(float64(e.Value), 'g', -1, 32))
		}
	})
}

func save(path string, lines int, writeLine func(*bufio.Writer, int)) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create connectivity matrix file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i := 0; i < lines; i++ {
		writeLine(w, i)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write connectivity matrix file %s: %w", path, err)
	}
	return nil
}

// LoadInit reads an initial count-weighted matrix, one fixel per line in
// external index order. The per-fixel total streamline count is not part of
// the wire format; loaded fixels carry a zero TrackCount.
func LoadInit(path string) (InitMatrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open connectivity matrix file: %w", err)
	}
	defer f.Close()

	var m InitMatrix
	scanner := newLineScanner(f)
	for scanner.Scan() {
		lineNum := len(m) + 1
		var row InitFixel
		if err := parseLine(scanner.Text(), lineNum, func(target fixel.Index, token string) error {
			count, err := strconv.ParseUint(token, 10, 32)
			if err != nil {
				return fmt.Errorf("%w: line %d: non-integer count %q", ErrMalformedEntry, lineNum, token)
			}
			row.Elements = append(row.Elements, InitElement{Index: target, Count: uint32(count)})
			return nil
		}); err != nil {
			return nil, err
		}
		m = append(m, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read connectivity matrix file %s: %w", path, err)
	}
	// The template size is only known once every line has been read, so edge
	// targets are bounds-checked afterwards.
	for f := range m {
		for _, e := range m[f].Elements {
			if e.Index >= fixel.Index(len(m)) {
				return nil, fmt.Errorf("%w: line %d: target %d exceeds template size %d",
					ErrMalformedEntry, f+1, e.Index, len(m))
			}
		}
	}
	return m, nil
}

// LoadNorm reads a normalized matrix. When a non-default remapper is
// supplied, lines belonging to fixels outside the processing mask are
// skipped without being materialized, and edge targets are remapped into
// internal index space (or dropped when they reference an excluded fixel).
// The result holds one fixel per internal index; the file must contain one
// line per external index.
func LoadNorm(path string, remapper *fixel.IndexRemapper) (NormMatrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open connectivity matrix file: %w", err)
	}
	defer f.Close()

	m := make(NormMatrix, 0, remapper.NumInternal())
	scanner := newLineScanner(f)
	external := fixel.Index(0)
	for scanner.Scan() {
		lineNum := int(external) + 1
		if external >= remapper.NumExternal() {
			return nil, fmt.Errorf("connectivity matrix %s contains more than %d lines; template has %d fixels",
				path, remapper.NumExternal(), remapper.NumExternal())
		}
		if remapper.ExternalToInternal(external) == fixel.Invalid {
			external++
			continue
		}
		row := NormFixel{NormMultiplier: 1}
		if err := parseLine(scanner.Text(), lineNum, func(target fixel.Index, token string) error {
			value, err := strconv.ParseFloat(token, 32)
			if err != nil {
				return fmt.Errorf("%w: line %d: non-numeric weight %q", ErrMalformedEntry, lineNum, token)
			}
			if target >= remapper.NumExternal() {
				return fmt.Errorf("%w: line %d: target %d exceeds template size %d",
					ErrMalformedEntry, lineNum, target, remapper.NumExternal())
			}
			internal := remapper.ExternalToInternal(target)
			if internal != fixel.Invalid {
				row.Elements = append(row.Elements, NormElement{Index: internal, Value: Value(value)})
			}
			return nil
		}); err != nil {
			return nil, err
		}
		m = append(m, row)
		external++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read connectivity matrix file %s: %w", path, err)
	}
	if external != remapper.NumExternal() {
		return nil, fmt.Errorf("connectivity matrix %s contains %d lines; template has %d fixels",
			path, external, remapper.NumExternal())
	}
	return m, nil
}

// parseLine splits one matrix line into target:value tokens, parses the
// target index, and hands the value token to emit.
func parseLine(line string, lineNum int, emit func(target fixel.Index, valueToken string) error) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	for _, entry := range strings.Split(line, ",") {
		target, value, found := strings.Cut(entry, ":")
		if !found {
			return fmt.Errorf("%w: line %d: unpaired entry %q", ErrMalformedEntry, lineNum, entry)
		}
		index, err := strconv.ParseUint(target, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: line %d: non-numeric target %q", ErrMalformedEntry, lineNum, target)
		}
		if err := emit(fixel.Index(index), value); err != nil {
			return err
		}
	}
	return nil
}

func newLineScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	// Adjacency lines for high-degree fixels can exceed the default token
	// size limit.
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<26)
	return scanner
}
