package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePortfolio(t *testing.T) {
	valid := []Position{
		{Ticker: "SBER", Weight: 0.6, AssetClass: AssetClassEquity},
		{Ticker: "GAZP", Weight: 0.4, AssetClass: AssetClassEquity},
	}
	assert.NoError(t, ValidatePortfolio(valid))

	// Within tolerance of 1e-4.
	nearOne := []Position{
		{Ticker: "SBER", Weight: 0.60005, AssetClass: AssetClassEquity},
		{Ticker: "GAZP", Weight: 0.4, AssetClass: AssetClassEquity},
	}
	assert.NoError(t, ValidatePortfolio(nearOne))

	assert.Error(t, ValidatePortfolio(nil), "empty portfolio")
	assert.Error(t, ValidatePortfolio([]Position{
		{Ticker: "SBER", Weight: 0.5}, {Ticker: "SBER", Weight: 0.5},
	}), "duplicate tickers")
	assert.Error(t, ValidatePortfolio([]Position{
		{Ticker: "SBER", Weight: 0.7}, {Ticker: "GAZP", Weight: 0.7},
	}), "weights exceeding one")
	assert.Error(t, ValidatePortfolio([]Position{
		{Ticker: "SBER", Weight: 1.2}, {Ticker: "GAZP", Weight: -0.2},
	}), "out-of-range weights")
}

func TestErrorCategories(t *testing.T) {
	assert.True(t, CategoryValidation.IsFatal())
	assert.True(t, CategoryUnknownTool.IsFatal())
	assert.True(t, CategoryISS5xx.IsFatal())
	assert.False(t, CategoryRateLimit.IsFatal())
	assert.False(t, CategoryDateRangeTooLarge.IsFatal())

	assert.True(t, CategoryDateRangeTooLarge.Recoverable())
	assert.True(t, CategoryISSTimeout.Recoverable())
	assert.False(t, CategoryValidation.Recoverable())
}

func TestCategoryOf_UnwrapsChains(t *testing.T) {
	inner := NewError(CategoryRateLimit, "slow down", nil)
	wrapped := fmt.Errorf("calling upstream: %w", inner)
	assert.Equal(t, CategoryRateLimit, CategoryOf(wrapped))

	assert.Equal(t, CategoryUnknown, CategoryOf(errors.New("plain")))
	assert.Equal(t, ErrorCategory(""), CategoryOf(nil))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := NewError(CategoryISS5xx, "request failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ISS_5XX")
	assert.Contains(t, err.Error(), "socket closed")
}
