package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/mrsinham/dicomharvest/internal/attribute"
	"github.com/mrsinham/dicomharvest/internal/dicom"
	"github.com/mrsinham/dicomharvest/internal/layout"
	"github.com/mrsinham/dicomharvest/internal/payload"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrCompressedPayload is returned for encapsulated payloads when the run
// only accepts raw pixel data.
var ErrCompressedPayload = errors.New("compressed payload rejected")

// Options configures Run.
type Options struct {
	// Output is the root the study directory is created under.
	Output    string
	Extension string
	// Unique gives every series a fresh directory.
	Unique bool
	// Workers is the number of series assembled in parallel; 0 means one per
	// CPU.
	Workers   int
	Overrides []attribute.Override
	RawOnly   bool

	Classifier *payload.Classifier
	Assembler  *dicom.Assembler
	Logger     *slog.Logger
	// ProgressCallback is called after each series completes.
	ProgressCallback func(done, total int)
}

// InstanceError records why one instance was not written.
type InstanceError struct {
	Series string
	Index  int
	Err    error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("series %q instance %d: %v", e.Series, e.Index, e.Err)
}

func (e *InstanceError) Unwrap() error { return e.Err }

// SeriesResult summarises one series.
type SeriesResult struct {
	// Source is the dump directory name, Name the legalized output name.
	Source string
	Name   string
	// Dir is empty when nothing was written.
	Dir     string
	Total   int
	Written int
	// Skipped counts instances with an empty attribute list.
	Skipped int
	Errors  []*InstanceError
}

// Failed is the number of instances that could not be assembled.
func (r SeriesResult) Failed() int { return len(r.Errors) }

// Report is the outcome of a run.
type Report struct {
	StudyDir string
	Series   []SeriesResult
	Elapsed  time.Duration
}

// Written is the number of files written across all series.
func (r Report) Written() int {
	n := 0
	for _, s := range r.Series {
		n += s.Written
	}
	return n
}

// Failed is the number of failed instances across all series.
func (r Report) Failed() int {
	n := 0
	for _, s := range r.Series {
		n += s.Failed()
	}
	return n
}

// Run assembles every series of the dump at root. A failing instance is
// logged and recorded in the report; it never stops its series. The returned
// error is set when the dump cannot be read or ctx is cancelled.
func Run(ctx context.Context, root string, opts Options) (Report, error) {
	start := time.Now()
	opts = withDefaults(opts)

	d, err := Open(root)
	if err != nil {
		return Report{}, err
	}

	study := d.studyLayout(opts.Overrides)
	report := Report{
		StudyDir: study.Dir(opts.Output),
		Series:   make([]SeriesResult, len(d.Series)),
	}
	opts.Logger.Info("assembling study",
		"dump", root, "study", report.StudyDir, "series", len(d.Series))

	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(d.Series) {
		numWorkers = len(d.Series)
	}

	type seriesTask struct {
		index  int
		series SeriesDump
	}
	taskChan := make(chan seriesTask, len(d.Series))
	resultChan := make(chan struct {
		index  int
		result SeriesResult
	}, len(d.Series))

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				resultChan <- struct {
					index  int
					result SeriesResult
				}{task.index, runSeries(ctx, report.StudyDir, task.series, opts)}
			}
		}()
	}

	for i, s := range d.Series {
		taskChan <- seriesTask{index: i, series: s}
	}
	close(taskChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	completed := 0
	for r := range resultChan {
		report.Series[r.index] = r.result
		completed++
		if opts.ProgressCallback != nil {
			opts.ProgressCallback(completed, len(d.Series))
		}
	}

	report.Elapsed = time.Since(start)
	opts.Logger.Info("study assembled",
		"study", report.StudyDir, "written", report.Written(), "failed", report.Failed(),
		"elapsed", report.Elapsed.Round(time.Millisecond))
	return report, ctx.Err()
}

func withDefaults(opts Options) Options {
	if opts.Extension == "" {
		opts.Extension = "dcm"
	}
	if opts.Classifier == nil {
		opts.Classifier = payload.NewClassifier()
	}
	if opts.Assembler == nil {
		opts.Assembler = dicom.NewAssembler()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// runSeries assembles the instances of one series in order. It owns the
// series plan, so no other goroutine writes into its directory.
func runSeries(ctx context.Context, studyDir string, s SeriesDump, opts Options) SeriesResult {
	result := SeriesResult{Source: s.Name, Total: s.Total}
	log := opts.Logger.With("series", s.Name)

	var plan *layout.SeriesPlan
	for _, i := range s.Indexes {
		if ctx.Err() != nil {
			break
		}

		inst, err := s.Read(i)
		if err != nil {
			result.fail(log, i, err)
			continue
		}
		if len(inst.Raws) == 0 {
			result.Skipped++
			continue
		}
		raws := attribute.ApplyOverrides(inst.Raws, opts.Overrides)

		if plan == nil {
			result.Name = seriesName(raws, s.Name)
			plan = layout.NewSeriesPlan(filepath.Join(studyDir, result.Name), s.Total, opts.Unique)
		}

		path, err := assembleInstance(inst, raws, plan, opts)
		if err != nil {
			result.fail(log, i, err)
			continue
		}
		result.Written++
		log.Debug("instance written", "index", i, "path", path)
	}

	if plan != nil && plan.Created() {
		result.Dir = plan.Dir
	}
	if result.Name == "" {
		result.Name = layout.Legalize(s.Name)
	}
	log.Info("series done",
		"dir", result.Dir, "written", result.Written, "skipped", result.Skipped, "failed", result.Failed())
	return result
}

func (r *SeriesResult) fail(log *slog.Logger, index int, err error) {
	r.Errors = append(r.Errors, &InstanceError{Series: r.Source, Index: index, Err: err})
	log.Warn("instance failed", "index", index, "error", err)
}

func assembleInstance(inst Instance, raws []attribute.Raw, plan *layout.SeriesPlan, opts Options) (string, error) {
	attrs, err := attribute.ResolveAll(raws)
	if err != nil {
		return "", err
	}
	p, err := Instance{Raws: raws, Pixel: inst.Pixel, Geometry: inst.Geometry}.Payload()
	if err != nil {
		return "", err
	}
	format, err := opts.Classifier.Classify(p)
	if err != nil {
		return "", err
	}
	if opts.RawOnly && format.Kind != payload.Raw {
		return "", fmt.Errorf("%w: %s", ErrCompressedPayload, format.Codec)
	}
	return opts.Assembler.Assemble(attrs, p, format, plan.Instance(inst.Index, opts.Extension))
}

// seriesName names a series after its first usable instance, falling back to
// the dump directory name.
func seriesName(raws []attribute.Raw, source string) string {
	description, _ := rawValue(raws, tag.SeriesDescription)
	number, _ := rawValue(raws, tag.SeriesNumber)
	uid, _ := rawValue(raws, tag.SeriesInstanceUID)
	if name := layout.SeriesName(description, number, uid); name != layout.Unnamed {
		return name
	}
	if name := layout.Legalize(source); name != "" {
		return name
	}
	return layout.Unnamed
}

// studyLayout fills the study naming fields missing from study.json from the
// first non-empty attribute list of the dump.
func (d *Dump) studyLayout(overrides []attribute.Override) layout.Study {
	study := layout.Study{
		PatientName: d.Study.PatientName,
		Description: d.Study.Description,
		Modality:    d.Study.Modality,
		Date:        d.Study.Date,
	}
	raws := attribute.ApplyOverrides(d.firstRaws(), overrides)

	fill := []struct {
		dst *string
		tag tag.Tag
	}{
		{&study.PatientName, tag.PatientName},
		{&study.Description, tag.StudyDescription},
		{&study.Modality, tag.Modality},
		{&study.Date, tag.StudyDate},
	}
	for _, f := range fill {
		if *f.dst == "" {
			*f.dst, _ = rawValue(raws, f.tag)
		}
	}
	return study
}

// firstRaws ignores read errors; they are reported when the series runs.
func (d *Dump) firstRaws() []attribute.Raw {
	for _, s := range d.Series {
		for _, i := range s.Indexes {
			if inst, err := s.Read(i); err == nil && len(inst.Raws) > 0 {
				return inst.Raws
			}
		}
	}
	return nil
}
