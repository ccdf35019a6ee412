package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowed(t *testing.T) {
	cases := []struct {
		name     string
		audience Audience
		friends  bool
		blocked  bool
		want     bool
	}{
		{"everyone stranger", Everyone, false, false, true},
		{"everyone blocked", Everyone, true, true, false},
		{"friends with friend", Friends, true, false, true},
		{"friends with stranger", Friends, false, false, false},
		{"nobody friend", Nobody, true, false, false},
		{"unknown audience", Audience("public"), true, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, allowed(tc.audience, tc.friends, tc.blocked))
		})
	}
}

func TestParseAudience(t *testing.T) {
	a, err := ParseAudience(" Friends ")
	require.NoError(t, err)
	assert.Equal(t, Friends, a)

	_, err = ParseAudience("public")
	assert.Error(t, err)
}

func TestDefaultPrivacy(t *testing.T) {
	p := DefaultPrivacy()
	assert.Equal(t, Everyone, p.WhoCanMessage)
	assert.Equal(t, Friends, p.WhoCanCall)
}
