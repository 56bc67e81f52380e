// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

// pulsedump decodes a binary trace file, plain or zstd-compressed, and
// prints its events as text.
package main

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"

	"github.com/pulseprof/pulseprof/trace"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1
)

const version = "0.1.0"

var (
	inputHelp   = "Path to the trace file to decode. '-' reads from stdin."
	verboseHelp = "Enable verbose logging."
	versionHelp = "Show version."
)

type arguments struct {
	input       string
	verboseMode bool
	version     bool
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("pulsedump", flag.ExitOnError)
	fs.StringVar(&args.input, "input", "-", inputHelp)
	fs.BoolVar(&args.verboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verboseMode, "verbose", false, verboseHelp)
	fs.BoolVar(&args.version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("PULSEPROF"))
	if err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		args.input = fs.Arg(0)
	}
	return &args, nil
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}

// zstdMagic is the frame magic of the zstd format, used to sniff whether
// the input is compressed.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// openTrace returns a reader positioned at the trace stream, transparently
// decompressing zstd input.
func openTrace(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	}
	return br, nil
}

// dumper keeps the string and frame definitions seen so far, so that
// reference events can be printed with their resolved text.
type dumper struct {
	w       io.Writer
	strings map[uint64]string
	frames  map[uint64]trace.FrameEvent
}

func newDumper(w io.Writer) *dumper {
	return &dumper{
		w:       w,
		strings: make(map[uint64]string),
		frames:  make(map[uint64]trace.FrameEvent),
	}
}

func (d *dumper) str(key uint64) string {
	if s, ok := d.strings[key]; ok {
		return s
	}
	return fmt.Sprintf("<string %#x>", key)
}

func (d *dumper) printFrame(key uint64) {
	fe, ok := d.frames[key]
	if !ok {
		fmt.Fprintf(d.w, "  frame-ref %#x (undefined)\n", key)
		return
	}
	fmt.Fprintf(d.w, "  %s (%s:%d)\n",
		d.str(fe.NameRef), d.str(fe.FilenameRef), fe.Line)
}

func (d *dumper) event(ev trace.Event) {
	switch e := ev.(type) {
	case trace.MetadataEvent:
		fmt.Fprintf(d.w, "metadata %s = %s\n", e.Label, e.Value)
	case trace.StackEvent:
		fmt.Fprintf(d.w, "stack pid=%d interp=%d thread=%q\n",
			e.PID, e.InterpreterID, e.ThreadName)
	case trace.FrameEvent:
		d.frames[e.Key] = e
		log.Debugf("frame %#x -> %s (%s:%d:%d)",
			e.Key, d.str(e.NameRef), d.str(e.FilenameRef), e.Line, e.Column)
	case trace.FrameRefEvent:
		d.printFrame(e.Key)
	case trace.FrameKernelEvent:
		fmt.Fprintf(d.w, "  kernel %s\n", e.Scope)
	case trace.MetricTimeEvent:
		fmt.Fprintf(d.w, "time %d\n", e.Value)
	case trace.MetricMemoryEvent:
		fmt.Fprintf(d.w, "memory %d\n", e.Value)
	case trace.StringEvent:
		d.strings[e.Key] = e.Value
		log.Debugf("string %#x -> %q", e.Key, e.Value)
	case trace.StringRefEvent:
		fmt.Fprintf(d.w, "string-ref %s\n", d.str(e.Key))
	default:
		log.Warnf("Unhandled event tag %d", ev.EventTag())
	}
}

func mainWithExitCode() exitCode {
	args, err := parseArgs()
	if err != nil {
		return failure("Failed to parse arguments: %v", err)
	}
	if args.version {
		fmt.Printf("pulsedump %s\n", version)
		return exitSuccess
	}
	if args.verboseMode {
		log.SetLevel(log.DebugLevel)
	}

	var in io.Reader = os.Stdin
	if args.input != "-" {
		f, err := os.Open(args.input)
		if err != nil {
			return failure("Failed to open %s: %v", args.input, err)
		}
		defer f.Close()
		in = f
	}

	r, err := openTrace(in)
	if err != nil {
		return failure("Failed to read %s: %v", args.input, err)
	}
	dec, err := trace.NewDecoder(r)
	if err != nil {
		return failure("Not a trace stream: %v", err)
	}
	log.Infof("Trace format version %d", dec.Version())

	d := newDumper(os.Stdout)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return failure("Failed to decode trace: %v", err)
		}
		d.event(ev)
	}
	return exitSuccess
}

func main() {
	os.Exit(int(mainWithExitCode()))
}
