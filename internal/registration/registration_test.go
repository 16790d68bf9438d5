package registration

import (
	"context"
	"strings"
	"testing"

	"qms/prayerroom-service/internal/models"
	"qms/prayerroom-service/internal/phone"
	"qms/prayerroom-service/internal/store"
	"qms/prayerroom-service/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	st := memory.NewStore()
	svc := NewService(st, nil)

	visitor, err := svc.Register(context.Background(), Input{
		FirstName: "  Ana   Maria ",
		LastName:  "Souza",
		Phone:     "+55 (62) 91234-5678",
		Country:   "br",
	})
	require.NoError(t, err)
	assert.Equal(t, "Ana Maria", visitor.FirstName)
	assert.Equal(t, "5562912345678", visitor.Phone)
	assert.Equal(t, "BR", visitor.Country)
	assert.NotEmpty(t, visitor.UniqueCode)
	assert.Equal(t, models.StateRegistered, models.StateOf(visitor))

	events, err := st.ListChangeEvents(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventInsert, events[0].Type)
}

func TestRegisterDefaultsCountry(t *testing.T) {
	svc := NewService(memory.NewStore(), nil)
	visitor, err := svc.Register(context.Background(), Input{FirstName: "Jo", Phone: "556212345678"})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultCountry, visitor.Country)
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name  string
		input Input
		want  error
	}{
		{name: "missing first name", input: Input{FirstName: "  ", Phone: "5562912345678"}, want: ErrInvalidName},
		{name: "long last name", input: Input{FirstName: "A", LastName: strings.Repeat("x", 81), Phone: "5562912345678"}, want: ErrInvalidName},
		{name: "short phone", input: Input{FirstName: "A", Phone: "1234"}, want: phone.ErrInvalidNumber},
		{name: "letters in phone", input: Input{FirstName: "A", Phone: "55629abc45678"}, want: phone.ErrInvalidNumber},
		{name: "unknown country", input: Input{FirstName: "A", Phone: "5562912345678", Country: "ZZ"}, want: phone.ErrUnknownCountry},
	}
	svc := NewService(memory.NewStore(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRegisterClosed(t *testing.T) {
	st := memory.NewStore()
	require.NoError(t, st.SetSubscription(context.Background(), false))
	svc := NewService(st, nil)

	_, err := svc.Register(context.Background(), Input{FirstName: "A", Phone: "5562912345678"})
	assert.ErrorIs(t, err, store.ErrRegistrationClosed)
}
