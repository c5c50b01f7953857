package writer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tweet-rehydrate/internal/rehydrate"
)

func recordResult(id rehydrate.ID) rehydrate.Result {
	return rehydrate.Result{
		ID: id,
		Record: &rehydrate.Record{
			ID:     id,
			Source: json.RawMessage(fmt.Sprintf(`{"id":%d,"full_text":"hello"}`, id)),
		},
	}
}

func failureResult(id rehydrate.ID, kind rehydrate.FailureKind) rehydrate.Result {
	return rehydrate.Result{
		ID:      id,
		Failure: &rehydrate.Failure{ID: id, Reason: kind},
	}
}

func Test_Service_Write(t *testing.T) {
	var out, failures bytes.Buffer

	s, err := NewService(zap.NewNop(), &out, &failures)
	require.NoError(t, err)

	for _, res := range []rehydrate.Result{
		recordResult(20),
		failureResult(21, rehydrate.NotFound),
		recordResult(22),
		failureResult(23, rehydrate.RateLimited),
		failureResult(24, rehydrate.TransientError),
	} {
		require.NoError(t, s.Write(res))
	}

	// output is one raw provider object per line, appendable without a
	// surrounding array
	outLines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, outLines, 2)
	assert.JSONEq(t, `{"id":20,"full_text":"hello"}`, outLines[0])
	assert.JSONEq(t, `{"id":22,"full_text":"hello"}`, outLines[1])

	failLines := strings.Split(strings.TrimSpace(failures.String()), "\n")
	require.Len(t, failLines, 3)
	assert.JSONEq(t, `{"id":21,"reason":"not_found"}`, failLines[0])
	assert.JSONEq(t, `{"id":23,"reason":"rate_limited"}`, failLines[1])
	assert.JSONEq(t, `{"id":24,"reason":"transient_error"}`, failLines[2])

	summary := s.Summary()
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.NotFound)
	assert.Equal(t, 1, summary.RateLimited)
	assert.Equal(t, 1, summary.TransientError)
	assert.Equal(t, 3, summary.Failed())
	assert.Equal(t, 5, summary.Total())
}

func Test_Service_Write_EmptyResult(t *testing.T) {
	var out, failures bytes.Buffer

	s, err := NewService(zap.NewNop(), &out, &failures)
	require.NoError(t, err)

	assert.Error(t, s.Write(rehydrate.Result{ID: 20}))
}

func Test_ScanWritten(t *testing.T) {
	for _, tc := range []struct {
		desc  string
		input string
		chk   func(t *testing.T, written map[rehydrate.ID]struct{}, err error)
	}{
		{
			desc:  "Happy path",
			input: `{"id":20,"full_text":"a"}` + "\n" + `{"id":21,"full_text":"b"}` + "\n",
			chk: func(t *testing.T, written map[rehydrate.ID]struct{}, err error) {
				require.NoError(t, err)
				assert.Len(t, written, 2)
				assert.Contains(t, written, rehydrate.ID(20))
				assert.Contains(t, written, rehydrate.ID(21))
			},
		},
		{
			desc:  "Blank lines ignored",
			input: "\n" + `{"id":20}` + "\n\n",
			chk: func(t *testing.T, written map[rehydrate.ID]struct{}, err error) {
				require.NoError(t, err)
				assert.Len(t, written, 1)
			},
		},
		{
			desc:  "Corrupt line fails the scan",
			input: `{"id":20}` + "\n" + `{"id":21,"full_`,
			chk: func(t *testing.T, written map[rehydrate.ID]struct{}, err error) {
				assert.Error(t, err)
			},
		},
		{
			desc:  "Empty output",
			input: "",
			chk: func(t *testing.T, written map[rehydrate.ID]struct{}, err error) {
				require.NoError(t, err)
				assert.Empty(t, written)
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			written, err := ScanWritten(strings.NewReader(tc.input))
			tc.chk(t, written, err)
		})
	}
}

func Test_Service_ResumeProducesCompleteSet(t *testing.T) {
	ids := []rehydrate.ID{20, 21, 22, 23, 24}

	// first run is interrupted after two records
	var out bytes.Buffer
	first, err := NewService(zap.NewNop(), &out, &bytes.Buffer{})
	require.NoError(t, err)
	for _, id := range ids[:2] {
		require.NoError(t, first.Write(recordResult(id)))
	}

	// a re-run subtracts the already-written ids and appends the rest
	written, err := ScanWritten(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)

	second, err := NewService(zap.NewNop(), &out, &bytes.Buffer{})
	require.NoError(t, err)
	for _, id := range ids {
		if _, ok := written[id]; ok {
			continue
		}
		require.NoError(t, second.Write(recordResult(id)))
	}

	// the concatenated output matches a single complete run as a set
	final, err := ScanWritten(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	require.Len(t, final, len(ids))
	for _, id := range ids {
		assert.Contains(t, final, id)
	}
}
