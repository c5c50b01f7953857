package reader

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"tweet-rehydrate/internal/rehydrate"
)

const (
	// PolicySkip logs malformed lines and keeps going
	PolicySkip Policy = "skip"

	// PolicyAbort fails the load on the first malformed line
	PolicyAbort Policy = "abort"
)

// Policy controls what happens when an input line cannot be parsed as a
// tweet id
type Policy string

func (p Policy) String() string { return string(p) }

// Service is responsible for loading tweet ids from an input source.
// Sources hold one decimal id per line; blank lines and lines starting
// with '#' are ignored. Re-reading the same source yields the same
// sequence of ids.
type Service struct {
	logger *zap.Logger
	policy Policy
}

func NewService(logger *zap.Logger, policy Policy) (*Service, error) {
	s := Service{
		logger: logger,
		policy: policy,
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
			dep: "policy",
			chk: func() bool { return s.policy == PolicySkip || s.policy == PolicyAbort },
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

// Load reads tweet ids from r until EOF. Malformed lines are handled
// according to the configured policy.
func (s *Service) Load(r io.Reader) ([]rehydrate.ID, error) {
	var (
		ids     []rehydrate.ID
		lineNum int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNum++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			if s.policy == PolicyAbort {
				const msg = "unable to parse tweet id"
				s.logger.Error(msg, zap.Int("line", lineNum), zap.String("value", line))
				return nil, fmt.Errorf(msg+" at line %d (%q): %w", lineNum, line, rehydrate.ErrMalformedInput)
			}

			s.logger.Warn(
				"skipping malformed tweet id",
				zap.Int("line", lineNum),
				zap.String("value", line),
			)
			continue
		}

		ids = append(ids, rehydrate.ID(id))
	}

	if err := scanner.Err(); err != nil {
		const msg = "unable to read input"
		s.logger.Error(msg, zap.Error(err))
		return nil, fmt.Errorf(msg+": %w", err)
	}

	s.logger.Debug("loaded tweet ids", zap.Int("numIds", len(ids)), zap.Int("numLines", lineNum))

	return ids, nil
}

// LoadFile opens path and loads the tweet ids it contains
func (s *Service) LoadFile(path string) ([]rehydrate.ID, error) {
	f, err := os.Open(path)
	if err != nil {
		const msg = "unable to open id file"
		s.logger.Error(msg, zap.Error(err))
		return nil, fmt.Errorf(msg+": %w", err)
	}
	defer f.Close()

	return s.Load(f)
}
