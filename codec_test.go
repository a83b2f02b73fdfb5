package ingest

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestAccount_RoundTrip(t *testing.T) {
	accounts := map[string]Account{
		"Only Id": {ID: 1},
		"All Fields": {
			ID:          583231,
			Login:       "octocat",
			Name:        "The Octocat",
			Type:        "User",
			Company:     "@github",
			Location:    "San Francisco",
			Email:       "octocat@github.com",
			Bio:         "",
			PublicRepos: 8,
			Followers:   9342,
			Following:   9,
			Languages:   []string{"Go", "Ruby"},
			CreatedAt:   time.Date(2011, 1, 25, 18, 44, 36, 0, time.UTC),
		},
		"Created At Only": {
			ID:        2,
			CreatedAt: time.Date(2019, 7, 4, 9, 30, 0, 0, time.UTC),
		},
	}

	codecs := map[string]Codec{
		"JSON":        JSONCodec,
		"Strict JSON": StrictJSONCodec,
		"MsgPack":     MsgPackCodec,
	}

	for codecName, codec := range codecs {
		for name, account := range accounts {
			t.Run(codecName+"/"+name, func(t *testing.T) {
				data, err := codec.Marshal(account)
				require.NoError(t, err)

				var decoded Account
				require.NoError(t, codec.Unmarshal(data, &decoded))
				assert.Equal(t, account, decoded)
			})
		}
	}
}

// An empty language list stays empty rather than collapsing to nil. msgpack
// has no such distinction and is left out.
func TestAccount_RoundTrip_EmptyLanguages(t *testing.T) {
	account := Account{ID: 3, Login: "newcomer", Languages: []string{}}

	for _, codec := range []Codec{JSONCodec, StrictJSONCodec} {
		data, err := codec.Marshal(account)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"languages":[]`)

		var decoded Account
		require.NoError(t, codec.Unmarshal(data, &decoded))
		assert.Equal(t, account, decoded)
		assert.NotNil(t, decoded.Languages)
	}
}

func TestUnmarshalJSON(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		expected  Account
		noValue   bool
		malformed bool
	}{
		{
			name:     "Valid",
			payload:  `{"id":42,"login":"jdoe","public_repos":3}`,
			expected: Account{ID: 42, Login: "jdoe", PublicRepos: 3},
		},
		{
			name:     "Unknown Fields Ignored",
			payload:  `{"id":42,"site_admin":true}`,
			expected: Account{ID: 42},
		},
		{
			name:    "Empty",
			payload: ``,
			noValue: true,
		},
		{
			name:    "Empty JSON String",
			payload: ` "" `,
			noValue: true,
		},
		{
			name:    "Null",
			payload: `null`,
			noValue: true,
		},
		{
			name:      "Not JSON",
			payload:   `not json`,
			malformed: true,
		},
		{
			name:      "Truncated",
			payload:   `{"id":4`,
			malformed: true,
		},
		{
			name:      "Type Mismatch",
			payload:   `{"id":"42"}`,
			malformed: true,
		},
		{
			name:      "Bad Timestamp",
			payload:   `{"id":42,"created_at":"yesterday"}`,
			malformed: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var account Account
			err := JSONCodec.Unmarshal([]byte(test.payload), &account)
			switch {
			case test.noValue:
				assert.ErrorIs(t, err, ErrNoValue)
			case test.malformed:
				assert.True(t, IsPayloadError(err), "expected payload error, got %v", err)
			default:
				assert.NoError(t, err)
				assert.Equal(t, test.expected, account)
			}
		})
	}
}

func TestUnmarshalJSON_InvalidTargetIsNotPayloadError(t *testing.T) {
	var account Account
	err := JSONCodec.Unmarshal([]byte(`{"id":1}`), account)

	var invalid *json.InvalidUnmarshalError
	assert.True(t, errors.As(err, &invalid))
	assert.False(t, IsPayloadError(err))
}

func TestUnmarshalStrictJSON(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		malformed bool
	}{
		{name: "Known Fields", payload: `{"id":1,"login":"a"}`},
		{name: "Unknown Field", payload: `{"id":1,"site_admin":true}`, malformed: true},
		{name: "Trailing Data", payload: `{"id":1} {"id":2}`, malformed: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var account Account
			err := StrictJSONCodec.Unmarshal([]byte(test.payload), &account)
			assert.Equal(t, test.malformed, IsPayloadError(err))
			if !test.malformed {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMsgPackCodec(t *testing.T) {
	account := Account{
		ID:        7,
		Login:     "msgpack",
		Followers: 12,
		Languages: []string{"Go"},
		CreatedAt: time.Date(2015, 3, 14, 15, 9, 26, 0, time.UTC),
	}

	data, err := MsgPackCodec.Marshal(account)
	require.NoError(t, err)

	// Field names follow the json struct tags.
	var raw map[string]any
	require.NoError(t, msgpack.Unmarshal(data, &raw))
	assert.Contains(t, raw, "login")
	assert.Contains(t, raw, "followers")

	var decoded Account
	require.NoError(t, MsgPackCodec.Unmarshal(data, &decoded))
	assert.Equal(t, account.ID, decoded.ID)
	assert.Equal(t, account.Login, decoded.Login)
	assert.Equal(t, account.Followers, decoded.Followers)
	assert.Equal(t, account.Languages, decoded.Languages)
	assert.Equal(t, time.UTC, decoded.CreatedAt.Location())
	assert.True(t, account.CreatedAt.Equal(decoded.CreatedAt))

	assert.ErrorIs(t, MsgPackCodec.Unmarshal(nil, &decoded), ErrNoValue)
	assert.ErrorIs(t, MsgPackCodec.Unmarshal([]byte{0xc0}, &decoded), ErrNoValue)
	assert.True(t, IsPayloadError(MsgPackCodec.Unmarshal([]byte("not msgpack"), &decoded)))
}

func TestAccount_Validate(t *testing.T) {
	assert.NoError(t, Account{ID: 1}.Validate())

	err := Account{Login: "ghost"}.Validate()
	assert.True(t, IsPayloadError(err))

	var zero Account
	require.NoError(t, JSONCodec.Unmarshal([]byte(`{"id":0,"login":"ghost"}`), &zero))
	assert.True(t, IsPayloadError(zero.Validate()))
}

func TestCodecFor(t *testing.T) {
	var account Account
	assert.True(t, IsPayloadError(codecFor(FormatStrictJSON).Unmarshal([]byte(`{"id":1,"x":1}`), &account)))
	assert.NoError(t, codecFor(FormatJSON).Unmarshal([]byte(`{"id":1,"x":1}`), &account))
	assert.NoError(t, codecFor("").Unmarshal([]byte(`{"id":1}`), &account))
}
