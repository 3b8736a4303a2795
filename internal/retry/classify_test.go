package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassNone},
		{"explicit validation", Validationf("bad config"), ClassValidation},
		{"wrapped explicit", fmt.Errorf("step: %w", Transient(errors.New("flaky"))), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ClassTimeout},
		{"eof", io.ErrUnexpectedEOF, ClassTransient},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, ClassTransient},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, ClassTimeout},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, ClassTransient},
		{"unique violation", &pgconn.PgError{Code: "23505"}, ClassValidation},
		{"syntax error", &pgconn.PgError{Code: "42601"}, ClassValidation},
		{"plain error", errors.New("boom"), ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestParseErrorClass(t *testing.T) {
	assert.Equal(t, ClassTimeout, ParseErrorClass("timeout"))
	assert.Equal(t, ClassNone, ParseErrorClass(""))
	assert.Equal(t, ClassUnknown, ParseErrorClass("bogus"))
}

func TestClassifiedErrorUnwraps(t *testing.T) {
	base := errors.New("root cause")
	err := Timeout(base)

	assert.ErrorIs(t, err, base)
	assert.Equal(t, "root cause", err.Error())
	assert.Nil(t, Validation(nil))
}
