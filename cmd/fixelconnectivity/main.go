package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Comeylo/mrtrix3/pkg/config"
	"github.com/Comeylo/mrtrix3/pkg/fixel"
	"github.com/Comeylo/mrtrix3/pkg/matrix"
)

func main() {
	// Parse command line arguments
	indexFile := flag.String("index", "", "Template index file mapping voxels to fixels")
	directionsFile := flag.String("directions", "", "Template fixel directions file")
	tracksFile := flag.String("tracks", "", "Streamline file, one streamline per line")
	outputFile := flag.String("output", "", "Output connectivity matrix file")
	initFile := flag.String("init", "", "Optional output file for the raw count-weighted matrix")
	maskFile := flag.String("mask", "", "Optional fixel mask restricting streamline assignment")
	configPath := flag.String("config", "", "YAML configuration file (default: $FIXELSTATS_CONFIG)")
	smoothing := flag.Bool("smoothing", false, "Normalize for data smoothing rather than statistical enhancement")
	flag.Parse()

	// Validate inputs
	if *indexFile == "" || *directionsFile == "" || *tracksFile == "" || *outputFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	_ = godotenv.Load()
	if *configPath == "" {
		*configPath = os.Getenv("FIXELSTATS_CONFIG")
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("FIXEL-FIXEL CONNECTIVITY MATRIX CONSTRUCTION FROM STREAMLINE TRACTOGRAPHY")
	fmt.Println("================================")

	index, err := loadIndexImage(*indexFile)
	if err != nil {
		log.Fatalf("Failed to load template index: %v", err)
	}
	directions, err := loadDirectionsImage(*directionsFile, index.NumFixels())
	if err != nil {
		log.Fatalf("Failed to load fixel directions: %v", err)
	}
	fmt.Printf("Template contains %d fixels in %d voxels\n", index.NumFixels(), len(index.voxels))

	var mask []bool
	if *maskFile != "" {
		mask, err = fixel.ReadMask(*maskFile, index.NumFixels())
		if err != nil {
			log.Fatalf("Failed to read fixel mask: %v", err)
		}
	}

	tracks, err := os.Open(*tracksFile)
	if err != nil {
		log.Fatalf("Failed to open streamline file: %v", err)
	}
	defer tracks.Close()

	fmt.Printf("Building connectivity matrix on %d cores...\n", cfg.Processing.NumCores)
	startTime := time.Now()
	initial, err := matrix.Build(newTrackReader(tracks), index, directions, matrix.BuildOptions{
		AngularThreshold: cfg.Connectivity.AngularThreshold,
		Mask:             mask,
		Workers:          cfg.Processing.NumCores,
	})
	if err != nil {
		log.Fatalf("Matrix construction failed: %v", err)
	}
	fmt.Printf("Matrix construction completed in %.2f seconds\n", time.Since(startTime).Seconds())

	if *initFile != "" {
		if err := matrix.SaveInit(initial, *initFile); err != nil {
			log.Fatalf("Failed to write raw count matrix: %v", err)
		}
		fmt.Printf("Raw count matrix written to: %s\n", *initFile)
	}

	// A matrix destined for data smoothing keeps isolated fixels alive with a
	// unit self-connection; one destined for statistical enhancement must not
	selfConnect := cfg.Connectivity.SelfConnectIsolated || *smoothing

	fmt.Println("Normalizing connectivity matrix...")
	norm := matrix.Normalise(initial, matrix.NormaliseOptions{
		Threshold:           matrix.Value(cfg.Connectivity.Threshold),
		SelfConnectIsolated: selfConnect,
		Workers:             cfg.Processing.NumCores,
	})
	if err := matrix.SaveNorm(norm, *outputFile); err != nil {
		log.Fatalf("Failed to write connectivity matrix: %v", err)
	}

	fmt.Printf("\nConnectivity matrix written to: %s\n", *outputFile)
}

// textIndexImage is a plain text rendering of the template index image: each
// line holds "x y z offset count" for one voxel containing at least one
// fixel. Fixel offsets must tile the template contiguously.
type textIndexImage struct {
	voxels    map[[3]int][2]fixel.Index
	numFixels fixel.Index
}

func loadIndexImage(path string) (*textIndexImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer f.Close()

	img := &textIndexImage{voxels: make(map[[3]int][2]fixel.Index)}
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 5 {
			return nil, fmt.Errorf("%s: line %d: expected 5 fields, found %d", path, lineNum, len(fields))
		}
		var values [5]int64
		for i, field := range fields {
			values[i], err = strconv.ParseInt(field, 10, 64)
			if err != nil || values[i] < 0 {
				return nil, fmt.Errorf("%s: line %d: invalid field %q", path, lineNum, field)
			}
		}
		voxel := [3]int{int(values[0]), int(values[1]), int(values[2])}
		if _, exists := img.voxels[voxel]; exists {
			return nil, fmt.Errorf("%s: line %d: duplicate voxel (%d,%d,%d)", path, lineNum, voxel[0], voxel[1], voxel[2])
		}
		offset, count := fixel.Index(values[3]), fixel.Index(values[4])
		img.voxels[voxel] = [2]fixel.Index{offset, count}
		if end := offset + count; end > img.numFixels {
			img.numFixels = end
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read index file %s: %w", path, err)
	}
	return img, nil
}

func (img *textIndexImage) FixelsInVoxel(x, y, z int) (fixel.Index, fixel.Index) {
	entry := img.voxels[[3]int{x, y, z}]
	return entry[0], entry[1]
}

func (img *textIndexImage) NumFixels() fixel.Index { return img.numFixels }

// textDirectionsImage holds one unit direction per template fixel, read from
// a file of whitespace-separated "dx dy dz" lines.
type textDirectionsImage struct {
	dirs [][3]float64
}

func loadDirectionsImage(path string, numFixels fixel.Index) (*textDirectionsImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open directions file: %w", err)
	}
	defer f.Close()

	img := &textDirectionsImage{}
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%s: line %d: expected 3 fields, found %d", path, lineNum, len(fields))
		}
		var dir [3]float64
		for i, field := range fields {
			dir[i], err = strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: line %d: invalid direction component %q", path, lineNum, field)
			}
		}
		img.dirs = append(img.dirs, dir)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read directions file %s: %w", path, err)
	}
	if fixel.Index(len(img.dirs)) != numFixels {
		return nil, fmt.Errorf("directions file %s contains %d directions; template index references %d fixels",
			path, len(img.dirs), numFixels)
	}
	return img, nil
}

func (img *textDirectionsImage) Direction(f fixel.Index) [3]float64 { return img.dirs[f] }

// trackReader streams one streamline per line: semicolon-separated voxel
// hits, each hit a comma-separated "x,y,z,dx,dy,dz" tuple.
type trackReader struct {
	scanner *bufio.Scanner
	lineNum int
}

func newTrackReader(r io.Reader) *trackReader {
	scanner := bufio.NewScanner(r)
	// Long streamlines can exceed the default token size limit.
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<26)
	return &trackReader{scanner: scanner}
}

func (t *trackReader) Next() (matrix.Streamline, error) {
	for t.scanner.Scan() {
		t.lineNum++
		line := strings.TrimSpace(t.scanner.Text())
		if line == "" {
			continue
		}
		var track matrix.Streamline
		for _, token := range strings.Split(line, ";") {
			fields := strings.Split(token, ",")
			if len(fields) != 6 {
				return nil, fmt.Errorf("line %d: expected 6 comma-separated values per voxel hit, found %d", t.lineNum, len(fields))
			}
			var values [6]float64
			for i, field := range fields {
				v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: invalid value %q", t.lineNum, field)
				}
				values[i] = v
			}
			track = append(track, matrix.VoxelHit{
				X:   int(values[0]),
				Y:   int(values[1]),
				Z:   int(values[2]),
				Dir: [3]float64{values[3], values[4], values[5]},
			})
		}
		return track, nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
