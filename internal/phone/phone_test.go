package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMask(t *testing.T) {
	tests := []struct {
		mask   string
		digits string
		want   string
	}{
		{mask: "(99) 99999-9999", digits: "62912345678", want: "(62) 91234-5678"},
		{mask: "(99) 99999-9999", digits: "6291", want: "(62) 91"},
		{mask: "(999) 999-9999", digits: "", want: "("},
		{mask: "999 999 999", digits: "912345678", want: "912 345 678"},
	}
	for _, tt := range tests {
		if got := ApplyMask(tt.mask, tt.digits); got != tt.want {
			t.Fatalf("ApplyMask(%q, %q) = %q, want %q", tt.mask, tt.digits, got, tt.want)
		}
	}
}

func TestCountDigits(t *testing.T) {
	assert.Equal(t, 11, CountDigits("(99) 99999-9999"))
	assert.Equal(t, 0, CountDigits("()-"))
}

func TestCountries(t *testing.T) {
	list, err := Countries()
	require.NoError(t, err)
	require.NotEmpty(t, list)
	for i := 1; i < len(list); i++ {
		assert.LessOrEqual(t, list[i-1].NameEN, list[i].NameEN)
	}

	brazil, ok := Lookup("br")
	require.True(t, ok)
	assert.Equal(t, "55", brazil.DialCode)
	assert.Equal(t, "Brasil", brazil.NamePT)

	norway, ok := Lookup("NO")
	require.True(t, ok)
	assert.Equal(t, "NO", norway.Code)

	_, ok = Lookup("XX")
	assert.False(t, ok)
}

func TestFormat(t *testing.T) {
	got, err := Format("BR", "62 9 1234-5678 99")
	require.NoError(t, err)
	assert.Equal(t, "(62) 91234-5678", got)

	_, err = Format("ZZ", "123")
	assert.ErrorIs(t, err, ErrUnknownCountry)
}

func TestNormalize(t *testing.T) {
	got, err := Normalize("+55 (62) 91234-5678")
	require.NoError(t, err)
	assert.Equal(t, "5562912345678", got)

	for _, bad := range []string{"", "+ ", "1234", "12345678901234567", "55abc12345678"} {
		_, err := Normalize(bad)
		assert.ErrorIs(t, err, ErrInvalidNumber, bad)
	}
}
