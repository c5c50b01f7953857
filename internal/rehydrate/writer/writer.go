package writer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"tweet-rehydrate/internal/rehydrate"
)

// scanBufferSize bounds a single output line; tweet objects with full
// entities run well past bufio's default token size
const scanBufferSize = 1024 * 1024

// Service is responsible for persisting rehydration results. Successful
// records are appended to out as newline-delimited JSON objects, exactly
// as the provider returned them; failures are appended to the failure
// log as {"id": ..., "reason": ...}. Each record is written in a single
// call so an interrupted run never leaves a partial line behind.
type Service struct {
	logger   *zap.Logger
	out      io.Writer
	failures io.Writer

	summary rehydrate.Summary
}

func NewService(logger *zap.Logger, out, failures io.Writer) (*Service, error) {
	s := Service{
		logger:   logger,
		out:      out,
		failures: failures,
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

func (s *Service) validate() error {
	var missingDeps []string

	for _, tc := range []struct {
		dep string
		chk func() bool
	}{
		{
			dep: "logger",
			chk: func() bool { return s.logger != nil },
		},
		{
			dep: "out",
			chk: func() bool { return s.out != nil },
		},
		{
			dep: "failures",
			chk: func() bool { return s.failures != nil },
		},
	} {
		if !tc.chk() {
			missingDeps = append(missingDeps, tc.dep)
		}
	}

	if len(missingDeps) > 0 {
		return fmt.Errorf(
			"unable to initialize service due to (%d) missing dependencies: %s",
			len(missingDeps),
			strings.Join(missingDeps, ","),
		)
	}

	return nil
}

// Write persists a single result as it arrives. Results are never
// buffered across calls.
func (s *Service) Write(res rehydrate.Result) error {
	switch {
	case res.Record != nil:
		return s.writeRecord(res.Record)
	case res.Failure != nil:
		return s.writeFailure(res.Failure)
	default:
		const msg = "unable to write result: neither record nor failure is set"
		s.logger.Error(msg, zap.Int64("tweetId", int64(res.ID)))
		return errors.New(msg)
	}
}

func (s *Service) writeRecord(rec *rehydrate.Record) error {
	// compact the object so embedded whitespace in the provider's
	// serialization can never split a line
	var buf bytes.Buffer
	buf.Grow(len(rec.Source) + 1)
	if err := json.Compact(&buf, rec.Source); err != nil {
		const msg = "unable to compact record"
		s.logger.Error(msg, zap.Error(err), zap.Int64("tweetId", int64(rec.ID)))
		return fmt.Errorf(msg+": %w", err)
	}
	buf.WriteByte('\n')

	if _, err := s.out.Write(buf.Bytes()); err != nil {
		const msg = "unable to write record"
		s.logger.Error(msg, zap.Error(err), zap.Int64("tweetId", int64(rec.ID)))
		return fmt.Errorf(msg+": %w", err)
	}

	s.summary.Succeeded++

	return nil
}

func (s *Service) writeFailure(f *rehydrate.Failure) error {
	b, err := json.Marshal(f)
	if err != nil {
		const msg = "unable to marshal failure"
		s.logger.Error(msg, zap.Error(err), zap.Int64("tweetId", int64(f.ID)))
		return fmt.Errorf(msg+": %w", err)
	}

	if _, err := s.failures.Write(append(b, '\n')); err != nil {
		const msg = "unable to write failure"
		s.logger.Error(msg, zap.Error(err), zap.Int64("tweetId", int64(f.ID)))
		return fmt.Errorf(msg+": %w", err)
	}

	switch f.Reason {
	case rehydrate.RateLimited:
		s.summary.RateLimited++
	case rehydrate.TransientError:
		s.summary.TransientError++
	default:
		s.summary.NotFound++
	}

	return nil
}

// Summary returns the outcome counts accumulated so far
func (s *Service) Summary() rehydrate.Summary {
	return s.summary
}

// ScanWritten reads an existing output file and returns the set of
// tweet ids already persisted, so a re-run can subtract them from its
// input and append only the remainder.
func ScanWritten(r io.Reader) (map[rehydrate.ID]struct{}, error) {
	written := make(map[rehydrate.ID]struct{})

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var envelope struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			return nil, fmt.Errorf("unable to parse existing output line: %w", err)
		}

		written[rehydrate.ID(envelope.ID)] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("unable to scan existing output: %w", err)
	}

	return written, nil
}
