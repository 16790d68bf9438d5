// Package phone holds the per-country dialing data used to format and
// validate visitor numbers.
package phone

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed countries.yaml
var countriesYAML []byte

var (
	ErrUnknownCountry = errors.New("unknown country")
	ErrInvalidNumber  = errors.New("invalid phone number")
)

const (
	minDigits = 8
	maxDigits = 16
)

type Country struct {
	Code      string `yaml:"code" json:"code"`
	NameEN    string `yaml:"name_en" json:"name_en"`
	NamePT    string `yaml:"name_pt" json:"name_pt"`
	DialCode  string `yaml:"dial_code" json:"dial_code"`
	PhoneMask string `yaml:"phone_mask" json:"phone_mask"`
}

type countryFile struct {
	Countries []Country `yaml:"countries"`
}

var (
	loadOnce  sync.Once
	countries []Country
	byCode    map[string]Country
	loadErr   error
)

func load() {
	var file countryFile
	if err := yaml.Unmarshal(countriesYAML, &file); err != nil {
		loadErr = fmt.Errorf("decode countries: %w", err)
		return
	}
	countries = file.Countries
	byCode = make(map[string]Country, len(countries))
	for _, country := range countries {
		byCode[country.Code] = country
	}
}

// Countries returns the table sorted by English name.
func Countries() ([]Country, error) {
	loadOnce.Do(load)
	if loadErr != nil {
		return nil, loadErr
	}
	result := make([]Country, len(countries))
	copy(result, countries)
	sort.Slice(result, func(i, j int) bool { return result[i].NameEN < result[j].NameEN })
	return result, nil
}

func Lookup(code string) (Country, bool) {
	loadOnce.Do(load)
	country, ok := byCode[strings.ToUpper(strings.TrimSpace(code))]
	return country, ok
}

// ApplyMask lays digits over mask. Each 9 in the mask takes the next digit;
// formatting stops at the first 9 with no digit left.
func ApplyMask(mask, digits string) string {
	var b strings.Builder
	next := 0
	for _, r := range mask {
		if r != '9' {
			b.WriteRune(r)
			continue
		}
		if next >= len(digits) {
			break
		}
		b.WriteByte(digits[next])
		next++
	}
	return b.String()
}

// CountDigits is the number of digits a mask accepts.
func CountDigits(mask string) int {
	return strings.Count(mask, "9")
}

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// Format renders the national part of a number with the country's mask.
func Format(code, number string) (string, error) {
	country, ok := Lookup(code)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCountry, code)
	}
	digits := Digits(number)
	if limit := CountDigits(country.PhoneMask); len(digits) > limit {
		digits = digits[:limit]
	}
	return ApplyMask(country.PhoneMask, digits), nil
}

// Normalize validates a full international number (dial code included) and
// returns its digits.
func Normalize(number string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(number), "+")
	digits := Digits(trimmed)
	if len(digits) < minDigits || len(digits) > maxDigits {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, number)
	}
	for _, r := range trimmed {
		if !strings.ContainsRune("0123456789 ()-.", r) {
			return "", fmt.Errorf("%w: %q", ErrInvalidNumber, number)
		}
	}
	return digits, nil
}
