package reader

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tweet-rehydrate/internal/rehydrate"
)

func Test_Service_Load(t *testing.T) {
	for _, tc := range []struct {
		desc   string
		policy Policy
		input  string
		chk    func(t *testing.T, ids []rehydrate.ID, err error)
	}{
		{
			desc:   "Happy path - ids with comments and blank lines",
			policy: PolicySkip,
			input:  "# exported 2016-03-01\n20\n\n21\n  22  \n",
			chk: func(t *testing.T, ids []rehydrate.ID, err error) {
				require.NoError(t, err)
				assert.Equal(t, []rehydrate.ID{20, 21, 22}, ids)
			},
		},
		{
			desc:   "Skip policy - malformed line is dropped, rest load",
			policy: PolicySkip,
			input:  "20\nabc\n21\n",
			chk: func(t *testing.T, ids []rehydrate.ID, err error) {
				require.NoError(t, err)
				assert.Equal(t, []rehydrate.ID{20, 21}, ids)
			},
		},
		{
			desc:   "Abort policy - malformed line fails the load",
			policy: PolicyAbort,
			input:  "20\nabc\n21\n",
			chk: func(t *testing.T, ids []rehydrate.ID, err error) {
				require.Error(t, err)
				assert.True(t, errors.Is(err, rehydrate.ErrMalformedInput))
				assert.Nil(t, ids)
			},
		},
		{
			desc:   "Empty input",
			policy: PolicySkip,
			input:  "",
			chk: func(t *testing.T, ids []rehydrate.ID, err error) {
				require.NoError(t, err)
				assert.Empty(t, ids)
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			s, err := NewService(zap.NewNop(), tc.policy)
			require.NoError(t, err)

			ids, err := s.Load(strings.NewReader(tc.input))
			tc.chk(t, ids, err)
		})
	}
}

func Test_Service_Load_Restartable(t *testing.T) {
	s, err := NewService(zap.NewNop(), PolicySkip)
	require.NoError(t, err)

	const input = "20\n21\n22\n"

	first, err := s.Load(strings.NewReader(input))
	require.NoError(t, err)

	second, err := s.Load(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func Test_NewService_MissingDeps(t *testing.T) {
	_, err := NewService(nil, PolicySkip)
	assert.Error(t, err)

	_, err = NewService(zap.NewNop(), Policy("whatever"))
	assert.Error(t, err)
}
