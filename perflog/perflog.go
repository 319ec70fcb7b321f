/*
Package perflog records per stage inference timings and GPU utilization
samples taken from an external monitoring process, persisting both as CSV
files at the end of a benchmarking session.
*/
package perflog

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"
)

// DefaultGPUCommand samples Intel GPU engine utilization every 100ms.
// intel_gpu_top reads performance counters that need elevated permissions,
// so it runs under sudo.
var DefaultGPUCommand = []string{"sudo", "intel_gpu_top", "-s", "100"}

// TimingRecord holds the per stage durations of one processed item in
// milliseconds
type TimingRecord struct {
	PreprocessMS  float64
	InferenceMS   float64
	PostprocessMS float64
}

// timingHeader is the column header row of the timing CSV file
var timingHeader = []string{
	"Preprocessing_Time(ms)",
	"Inference_Time(ms)",
	"Postprocessing_Time(ms)",
}

// Config defines a logging session.  It is constructed once at startup and
// all file names derive from its timestamp.
type Config struct {
	// LogDir is the directory the CSV log files are written to
	LogDir string
	// Timestamp names the session's log files
	Timestamp time.Time
	// GPUCommand is the monitoring command sampled for GPU utilization
	GPUCommand []string
}

// Logger samples an external GPU monitoring process concurrently with the
// inference loop and accumulates per item timing records.  The sampler
// goroutine owns the raw log file and the main loop owns the record list,
// so no locking is needed between them.
type Logger struct {
	cfg Config
	// cmd is the running GPU monitoring subprocess
	cmd *exec.Cmd
	// wg joins the sampler goroutine in Stop
	wg sync.WaitGroup
	// records accumulated across the session, written only by the
	// inference loop
	records []TimingRecord
	// log file locations
	tempGPULog string
	gpuLog     string
	timeLog    string
	started    bool
}

// New returns a Logger for the given session configuration
func New(cfg Config) *Logger {

	if cfg.LogDir == "" {
		cfg.LogDir = "log"
	}

	if cfg.Timestamp.IsZero() {
		cfg.Timestamp = time.Now()
	}

	if len(cfg.GPUCommand) == 0 {
		cfg.GPUCommand = DefaultGPUCommand
	}

	ts := cfg.Timestamp.Format("20060102_150405")

	return &Logger{
		cfg:        cfg,
		tempGPULog: ts + ".txt",
		gpuLog:     filepath.Join(cfg.LogDir, ts+"_gpu_log.csv"),
		timeLog:    filepath.Join(cfg.LogDir, ts+"_time_log.csv"),
	}
}

// Start launches the GPU monitoring subprocess and the sampler goroutine
// draining its output into the temporary raw log
func (l *Logger) Start() error {

	l.cmd = exec.Command(l.cfg.GPUCommand[0], l.cfg.GPUCommand[1:]...)

	stdout, err := l.cmd.StdoutPipe()

	if err != nil {
		return fmt.Errorf("error opening pipe to GPU monitor: %w", err)
	}

	logFile, err := os.Create(l.tempGPULog)

	if err != nil {
		return fmt.Errorf("error creating temporary GPU log: %w", err)
	}

	if err := l.cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("error starting GPU monitor %s: %w",
			l.cfg.GPUCommand[0], err)
	}

	l.started = true
	l.wg.Add(1)

	go l.sample(stdout, logFile)

	return nil
}

// sample drains monitor output into the raw log until the subprocess exits
// or is killed, which closes the pipe and ends the scan
func (l *Logger) sample(stdout io.Reader, logFile *os.File) {

	defer l.wg.Done()
	defer logFile.Close()

	scanner := bufio.NewScanner(stdout)

	for scanner.Scan() {
		logFile.WriteString(scanner.Text() + "\n")
	}
}

// Log appends one timing record and prints a single line, overwritable
// progress indicator with the three stage durations
func (l *Logger) Log(index, total int, rec TimingRecord) {

	l.records = append(l.records, rec)

	fmt.Printf("\r[%d / %d] Preprocess Time: %.3f ms | Inference Time: %.3f ms | Postprocess Time: %.3f ms\x1b[K",
		index, total, rec.PreprocessMS, rec.InferenceMS, rec.PostprocessMS)
}

// Records returns the timing records accumulated so far
func (l *Logger) Records() []TimingRecord {
	return l.records
}

// Stop terminates the GPU monitoring subprocess, converts its raw log into
// a structured CSV, and writes the accumulated timing records.  Cleanup
// failures on the temporary log are logged and swallowed, they never fail
// the session.
func (l *Logger) Stop() error {

	if l.started {
		// best-effort termination, killing the process closes the pipe
		// and unblocks the sampler
		if err := l.cmd.Process.Kill(); err != nil {
			log.Warn().Err(err).Msg("failed to terminate GPU monitor")
		}

		l.wg.Wait()
		l.cmd.Wait()
	}

	if err := ConvertGPULog(l.tempGPULog, l.gpuLog); err != nil {
		log.Warn().Err(err).Msg("failed to convert GPU log")
	}

	if err := os.Remove(l.tempGPULog); err != nil {
		log.Warn().Str("file", l.tempGPULog).Msg("temporary GPU log not removed")
	}

	if err := os.MkdirAll(l.cfg.LogDir, 0755); err != nil {
		return fmt.Errorf("error creating log directory: %w", err)
	}

	f, err := os.Create(l.timeLog)

	if err != nil {
		return fmt.Errorf("error creating timing log: %w", err)
	}

	defer f.Close()

	if err := WriteTimings(f, l.records); err != nil {
		return fmt.Errorf("error writing timing log: %w", err)
	}

	log.Info().Str("file", l.timeLog).Msg("saved timing log")

	return nil
}

// WriteTimings writes the timing records as CSV with a header row
func WriteTimings(w io.Writer, records []TimingRecord) error {

	writer := csv.NewWriter(w)

	if err := writer.Write(timingHeader); err != nil {
		return err
	}

	for _, rec := range records {
		row := []string{
			strconv.FormatFloat(rec.PreprocessMS, 'f', -1, 64),
			strconv.FormatFloat(rec.InferenceMS, 'f', -1, 64),
			strconv.FormatFloat(rec.PostprocessMS, 'f', -1, 64),
		}

		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()

	return writer.Error()
}

// Mean returns the average duration of each stage over the recorded items
func Mean(records []TimingRecord) (prep, infer, post float64) {

	if len(records) == 0 {
		return 0, 0, 0
	}

	preps := make([]float64, len(records))
	infers := make([]float64, len(records))
	posts := make([]float64, len(records))

	for i, rec := range records {
		preps[i] = rec.PreprocessMS
		infers[i] = rec.InferenceMS
		posts[i] = rec.PostprocessMS
	}

	return stat.Mean(preps, nil), stat.Mean(infers, nil), stat.Mean(posts, nil)
}
