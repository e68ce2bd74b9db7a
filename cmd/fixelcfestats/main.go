package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Comeylo/mrtrix3/pkg/cfe"
	"github.com/Comeylo/mrtrix3/pkg/config"
	"github.com/Comeylo/mrtrix3/pkg/fixel"
	"github.com/Comeylo/mrtrix3/pkg/glm"
	"github.com/Comeylo/mrtrix3/pkg/matrix"
	"github.com/Comeylo/mrtrix3/pkg/permtest"

	"gonum.org/v1/gonum/mat"
)

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Fixel template directory containing the subject data files")
	subjectsFile := flag.String("subjects", "", "Text file listing one subject data filename per line")
	designFile := flag.String("design", "", "Design matrix file (one row per subject)")
	contrastFile := flag.String("contrast", "", "Contrast matrix file (one hypothesis per row)")
	matrixFile := flag.String("matrix", "", "Normalized fixel-fixel connectivity matrix file")
	outputDir := flag.String("output", "", "Output fixel directory")
	maskFile := flag.String("mask", "", "Optional fixel mask restricting the analysis")
	configPath := flag.String("config", "", "YAML configuration file (default: $FIXELSTATS_CONFIG)")
	errorTypes := flag.String("errors", "permute", "Exchangeability of the errors: permute, signflip or both")
	notest := flag.Bool("notest", false, "Skip permutation testing; output descriptive statistics only")
	nonstationarity := flag.Bool("nonstationarity", false, "Perform non-stationarity correction of the enhanced statistic")
	strong := flag.Bool("strong", false, "Apply strong (joint across hypotheses) family-wise error control")
	cfeLegacy := flag.Bool("cfe_legacy", false, "Use the legacy (non-normalized) form of the enhancement equation")
	var columnFiles stringList
	flag.Var(&columnFiles, "column", "Subject file list providing an element-wise design matrix column (repeatable)")
	flag.Parse()

	// Validate inputs
	if *inputDir == "" || *subjectsFile == "" || *designFile == "" || *contrastFile == "" || *matrixFile == "" || *outputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Environment variables may supply the configuration path
	_ = godotenv.Load()
	if *configPath == "" {
		*configPath = os.Getenv("FIXELSTATS_CONFIG")
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *cfeLegacy {
		cfg.Enhance.Legacy = true
	}

	var shuffleType glm.ShuffleType
	switch *errorTypes {
	case "permute":
		shuffleType = glm.ShufflePermute
	case "signflip":
		shuffleType = glm.ShuffleSignFlip
	case "both":
		shuffleType = glm.ShuffleBoth
	default:
		log.Fatalf("Unknown error exchangeability %q (expected permute, signflip or both)", *errorTypes)
	}

	fmt.Println("================================")
	fmt.Println("FIXEL-BASED STATISTICAL ANALYSIS USING CONNECTIVITY-BASED FIXEL ENHANCEMENT")
	fmt.Println("================================")

	// Load the cohort description
	subjects, err := fixel.ReadSubjectList(*subjectsFile)
	if err != nil {
		log.Fatalf("Failed to read subject list: %v", err)
	}
	design, err := glm.LoadMatrix(*designFile)
	if err != nil {
		log.Fatalf("Failed to load design matrix: %v", err)
	}
	designRows, designCols := design.Dims()
	if designRows != len(subjects) {
		log.Fatalf("Design matrix has %d rows but the subject list contains %d entries", designRows, len(subjects))
	}
	hypotheses, err := glm.LoadHypotheses(*contrastFile)
	if err != nil {
		log.Fatalf("Failed to load contrast matrix: %v", err)
	}
	fmt.Printf("Loaded %d subjects, %d design factors, %d hypotheses\n", len(subjects), designCols, len(hypotheses))

	// Populate the output directory metadata before any computation, so the
	// directory is valid even if a later stage fails
	if err := fixel.CopyIndexAndDirections(*inputDir, *outputDir); err != nil {
		log.Fatalf("Failed to prepare output fixel directory: %v", err)
	}

	// The first subject file defines the template fixel count
	firstPath, err := fixel.FindSubjectFile(*inputDir, subjects[0])
	if err != nil {
		log.Fatalf("Failed to locate subject data: %v", err)
	}
	firstData, err := fixel.ReadDataFile(firstPath)
	if err != nil {
		log.Fatalf("Failed to read subject data: %v", err)
	}
	numFixels := fixel.Index(len(firstData))

	remapper := fixel.NewDefaultRemapper(numFixels)
	if *maskFile != "" {
		mask, err := fixel.ReadMask(*maskFile, numFixels)
		if err != nil {
			log.Fatalf("Failed to read fixel mask: %v", err)
		}
		remapper = fixel.NewRemapper(mask)
		fmt.Printf("Mask restricts the analysis to %d of %d fixels\n", remapper.NumInternal(), remapper.NumExternal())
	}

	fmt.Println("Loading subject data...")
	cohort, err := fixel.LoadCohort(*inputDir, subjects, remapper)
	if err != nil {
		log.Fatalf("Failed to load subject data: %v", err)
	}
	measurements := cohort.Measurements()

	// Element-wise design matrix columns, one cohort per -column flag
	var extras []glm.CohortDataImport
	nansInColumns := false
	for _, path := range columnFiles {
		columnSubjects, err := fixel.ReadSubjectList(path)
		if err != nil {
			log.Fatalf("Failed to read element-wise column list %s: %v", path, err)
		}
		if len(columnSubjects) != len(subjects) {
			log.Fatalf("Element-wise column list %s contains %d entries; the subject list contains %d",
				path, len(columnSubjects), len(subjects))
		}
		column, err := fixel.LoadCohort(*inputDir, columnSubjects, remapper)
		if err != nil {
			log.Fatalf("Failed to load element-wise column data from %s: %v", path, err)
		}
		if !column.AllFinite() {
			nansInColumns = true
		}
		extras = append(extras, column)
	}

	fmt.Println("Loading fixel-fixel connectivity matrix...")
	norm, err := matrix.LoadNorm(*matrixFile, remapper)
	if err != nil {
		log.Fatalf("Failed to load connectivity matrix: %v", err)
	}

	if unconnected := cfe.Precondition(norm, cfg.Enhance.ConnectivityExponent, cfg.Enhance.Legacy); unconnected > 0 {
		log.Printf("Warning: %d fixels have no connectivity and can never attain statistical significance", unconnected)
	}
	enhancer := cfe.NewEnhancer(norm, cfe.Options{
		ExtentExponent: cfg.Enhance.ExtentExponent,
		HeightExponent: cfg.Enhance.HeightExponent,
		Legacy:         cfg.Enhance.Legacy,
	})

	// Descriptive statistics of the unshuffled model
	fmt.Println("Computing beta coefficients and effect sizes...")
	stats, err := glm.AllStats(measurements, design, extras, hypotheses, cfg.Processing.NumCores)
	if err != nil {
		log.Fatalf("Failed to compute model statistics: %v", err)
	}
	factors, elements := stats.Betas.Dims()
	for f := 0; f < factors; f++ {
		beta := make([]float64, elements)
		mat.Row(beta, f, stats.Betas)
		writeOutput(*outputDir, fmt.Sprintf("beta%d.txt", f), beta, remapper)
	}
	for ic, h := range hypotheses {
		if h.IsF() {
			continue
		}
		writeOutput(*outputDir, "abs_effect_"+h.Name()+".txt", matColumn(stats.AbsEffect, ic), remapper)
		writeOutput(*outputDir, "std_effect_"+h.Name()+".txt", matColumn(stats.StdEffect, ic), remapper)
	}
	writeOutput(*outputDir, "std_dev.txt", stats.Stdev, remapper)

	// Select the regression strategy: the fast fixed-design path applies only
	// when the design matrix is identical for every fixel and all data are
	// finite
	var test glm.Test
	if len(extras) == 0 && cohort.AllFinite() {
		test, err = glm.NewTestFixed(measurements, design, hypotheses)
	} else {
		test, err = glm.NewTestVariable(extras, measurements, design, hypotheses, !cohort.AllFinite(), nansInColumns)
	}
	if err != nil {
		log.Fatalf("Failed to set up the regression: %v", err)
	}

	shuffler := glm.NewShuffler(len(subjects), shuffleType, cfg.Processing.Seed)

	// Empirical enhanced statistic for non-stationarity correction
	var empirical *mat.Dense
	if *nonstationarity {
		fmt.Printf("Estimating empirical statistic over %d shufflings...\n", cfg.Permutation.NumShufflesNonstationarity)
		empirical, err = permtest.PrecomputeEmpirical(test, enhancer, shuffler,
			cfg.Permutation.NumShufflesNonstationarity, cfg.Permutation.SkewNonstationarity, cfg.Processing.NumCores)
		if err != nil {
			log.Fatalf("Failed to estimate the empirical statistic: %v", err)
		}
		for ic, h := range hypotheses {
			writeOutput(*outputDir, "cfe_empirical_"+h.Name()+".txt", matColumn(empirical, ic), remapper)
		}
	}

	fmt.Println("Computing statistics of the unshuffled model...")
	enhanced, raw, err := permtest.PrecomputeDefault(test, enhancer, empirical)
	if err != nil {
		log.Fatalf("Failed to compute the unshuffled statistics: %v", err)
	}
	for ic, h := range hypotheses {
		name := "tvalue_" + h.Name() + ".txt"
		if h.IsF() {
			name = "Fvalue_" + h.Name() + ".txt"
		}
		writeOutput(*outputDir, name, matColumn(raw, ic), remapper)
		writeOutput(*outputDir, "cfe_"+h.Name()+".txt", matColumn(enhanced, ic), remapper)
	}

	if *notest {
		fmt.Println("Permutation testing skipped (-notest)")
		return
	}

	fmt.Printf("Running permutation testing with %d shufflings on %d cores...\n",
		cfg.Permutation.NumShuffles, cfg.Processing.NumCores)
	startTime := time.Now()
	result, err := permtest.Run(test, enhancer, empirical, enhanced, shuffler, permtest.Options{
		NumShuffles: cfg.Permutation.NumShuffles,
		Strong:      *strong,
		Workers:     cfg.Processing.NumCores,
	})
	if err != nil {
		log.Fatalf("Permutation testing failed: %v", err)
	}
	fmt.Printf("Permutation testing completed in %.2f seconds\n", time.Since(startTime).Seconds())

	fwe := permtest.FWEPvalue(result.NullDistribution, enhanced)
	_, nullCols := result.NullDistribution.Dims()
	for ic, h := range hypotheses {
		pvalues := matColumn(fwe, ic)
		for i, p := range pvalues {
			pvalues[i] = 1 - p
		}
		writeOutput(*outputDir, "fwe_1mpvalue_"+h.Name()+".txt", pvalues, remapper)
		writeOutput(*outputDir, "uncorrected_pvalue_"+h.Name()+".txt", matColumn(result.UncorrectedPvalues, ic), remapper)
		writeOutput(*outputDir, "null_contributions_"+h.Name()+".txt", matColumn(result.NullContributions, ic), remapper)

		nullColumn := 0
		if nullCols > 1 {
			nullColumn = ic
		}
		shuffles, _ := result.NullDistribution.Dims()
		nullDist := make([]float64, shuffles)
		mat.Col(nullDist, nullColumn, result.NullDistribution)
		if err := glm.SaveVector(filepath.Join(*outputDir, "null_dist_"+h.Name()+".txt"), nullDist); err != nil {
			log.Fatalf("Failed to write null distribution: %v", err)
		}
	}

	fmt.Printf("\nAnalysis completed successfully!\n")
	fmt.Printf("Results written to: %s\n", *outputDir)
}

// matColumn extracts one column as a freshly allocated slice.
func matColumn(m *mat.Dense, col int) []float64 {
	rows, _ := m.Dims()
	out := make([]float64, rows)
	mat.Col(out, col, m)
	return out
}

// writeOutput writes one per-fixel output file, aborting the program on
// failure.
func writeOutput(dir, name string, data []float64, remapper *fixel.IndexRemapper) {
	if err := fixel.WriteDataFile(filepath.Join(dir, name), data, remapper); err != nil {
		log.Fatalf("Failed to write output file %s: %v", name, err)
	}
}
